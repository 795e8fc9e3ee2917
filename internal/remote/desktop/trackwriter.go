package desktop

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

// sampleWriter is satisfied by a pion webrtc/v4 TrackLocalStaticSample; kept
// as a narrow interface so tests can substitute a fake track.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// TrackWriter delivers EncodeResult samples to a single media track,
// tracking per-kind frame counters and bubbling repeated failures up to the
// session controller via onRepeatedFailure.
type TrackWriter struct {
	kind  string // "video" or "audio"
	track sampleWriter

	onRepeatedFailure func(err error)

	framesWritten   atomic.Uint64
	framesFailed    atomic.Uint64
	consecutiveFail int
}

// maxConsecutiveWriteFailures is the bubble-up threshold: a single
// transport hiccup is logged and absorbed, but a run of failures means the
// peer connection itself is broken.
const maxConsecutiveWriteFailures = 10

// NewTrackWriter constructs a writer for one media kind.
func NewTrackWriter(kind string, track sampleWriter, onRepeatedFailure func(error)) *TrackWriter {
	return &TrackWriter{kind: kind, track: track, onRepeatedFailure: onRepeatedFailure}
}

// WriteSample pushes bytes/duration to the bound track. Errors are logged
// and the loop continues; a run of maxConsecutiveWriteFailures bubbles up.
func (w *TrackWriter) WriteSample(data []byte, duration time.Duration) {
	err := w.track.WriteSample(media.Sample{Data: data, Duration: duration})
	if err != nil {
		w.framesFailed.Add(1)
		w.consecutiveFail++
		slog.Warn("track writer: write failed", "kind", w.kind, "error", err, "consecutiveFailures", w.consecutiveFail)
		if w.consecutiveFail >= maxConsecutiveWriteFailures && w.onRepeatedFailure != nil {
			w.onRepeatedFailure(err)
		}
		return
	}
	w.consecutiveFail = 0
	w.framesWritten.Add(1)
}

// RunVideo drains an EncodeResult channel, converting each result's
// Annex-B bytes into a media sample write.
func (w *TrackWriter) RunVideo(results <-chan EncodeResult, done <-chan struct{}) {
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()
	for {
		select {
		case <-done:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			w.WriteSample(res.EncodedBytes, res.Duration)
		case <-statsTicker.C:
			w.logStats()
		}
	}
}

// RunAudio drains an AudioEncodeResult channel.
func (w *TrackWriter) RunAudio(results <-chan AudioEncodeResult, done <-chan struct{}) {
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()
	for {
		select {
		case <-done:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			w.WriteSample(res.Data, res.Duration)
		case <-statsTicker.C:
			w.logStats()
		}
	}
}

func (w *TrackWriter) logStats() {
	slog.Info("track writer stats", "kind", w.kind, "written", w.framesWritten.Load(), "failed", w.framesFailed.Load())
}
