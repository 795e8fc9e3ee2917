package desktop

import (
	"log/slog"
	"time"
)

// EncodeResult is a single encoded video sample, emitted strictly in the
// order its source EncodeJob was taken from the frame slot.
type EncodeResult struct {
	EncodedBytes []byte
	IsKeyframe   bool
	Duration     time.Duration
	Width        int
	Height       int
}

// videoEncoderWorkerState mirrors the C3 state machine: Idle -> (first
// job) Initializing -> Streaming -> (shutdown) Stopping -> Stopped.
type videoEncoderWorkerState int

const (
	workerIdle videoEncoderWorkerState = iota
	workerInitializing
	workerStreaming
	workerStopping
	workerStopped
)

// VideoEncoderWorker drains a frameSlot, drives a VideoEncoder backend, and
// emits Annex-B EncodeResult samples with correct keyframe marking and
// cached SPS/PPS injection. One worker owns exactly one frameSlot and one
// backend for the lifetime of a given resolution; the frame router
// constructs a fresh worker whenever dimensions change.
type VideoEncoderWorker struct {
	slot    *frameSlot
	encoder *VideoEncoder
	out     chan EncodeResult

	state videoEncoderWorkerState

	sampleTimeHns    uint64 // monotonically increasing 100ns counter
	firstKeyframeSent bool
	cachedSPS        []byte
	cachedPPS        []byte

	consecutiveFailures int
}

// maxConsecutiveEncodeFailures bounds the event-loop failure threshold
// before the worker gives up and exits (spec: "after a threshold of
// event-loop failures the worker exits").
const maxConsecutiveEncodeFailures = 16

// NewVideoEncoderWorker constructs a worker bound to slot, using encoder to
// compress frames. The output channel is not unbounded: it buffers 64
// results, and Run drops a result rather than block when the buffer is
// full.
func NewVideoEncoderWorker(slot *frameSlot, encoder *VideoEncoder) *VideoEncoderWorker {
	return &VideoEncoderWorker{
		slot:    slot,
		encoder: encoder,
		out:     make(chan EncodeResult, 64),
		state:   workerIdle,
	}
}

// Results returns the ordered output channel. Closed when Run returns.
func (w *VideoEncoderWorker) Results() <-chan EncodeResult {
	return w.out
}

// Run drives the streaming loop until the slot is shut down or the
// encoder's failure threshold is exceeded.
func (w *VideoEncoderWorker) Run() {
	defer close(w.out)
	defer w.encoder.Close()

	w.state = workerInitializing
	w.state = workerStreaming

	for {
		job, err := w.slot.take()
		if err != nil {
			if IsSlotShutdown(err) {
				w.state = workerStopping
				w.state = workerStopped
				return
			}
			continue
		}

		result, ok := w.encodeOne(job)
		if !ok {
			w.consecutiveFailures++
			if w.consecutiveFailures >= maxConsecutiveEncodeFailures {
				slog.Error("video encoder worker: exceeded consecutive failure threshold, exiting", "failures", w.consecutiveFailures)
				return
			}
			continue
		}
		w.consecutiveFailures = 0

		select {
		case w.out <- result:
		default:
			// Output channel full: the track writer has fallen behind.
			// Drop this sample rather than block the capture pipeline.
			slog.Warn("video encoder worker: output queue full, dropping encoded sample")
		}
	}
}

// encodeOne runs a single job through the backend, normalizes to Annex-B,
// and marks the result a keyframe when it carries in-band SPS/PPS or the job
// requested a keyframe (no backend CleanPoint flag is read); cached SPS/PPS
// is prepended only to a keyframe sent before the first keyframe.
func (w *VideoEncoderWorker) encodeOne(job EncodeJob) (EncodeResult, bool) {
	if job.RequestKeyframe {
		if err := w.encoder.ForceKeyframe(); err != nil {
			slog.Warn("video encoder worker: force keyframe failed", "error", err)
		}
	}

	if err := w.encoder.SetDimensions(job.Width, job.Height); err != nil {
		slog.Warn("video encoder worker: dimension renegotiation failed", "error", err)
	}

	raw, err := w.encoder.Encode(job.Pixels)
	if err != nil {
		slog.Warn("video encoder worker: encode failed, dropping frame", "error", err)
		return EncodeResult{}, false
	}
	if len(raw) == 0 {
		slog.Warn("video encoder worker: encoder produced an empty sample, dropping")
		return EncodeResult{}, false
	}

	annexB, hasSPSPPS := packageAnnexB(raw)
	if hasSPSPPS {
		w.cacheSPSPPS(annexB)
	}

	isKeyframe := hasSPSPPS || job.RequestKeyframe
	if isKeyframe && !hasSPSPPS && !w.firstKeyframeSent && len(w.cachedSPS) > 0 && len(w.cachedPPS) > 0 {
		prefixed := make([]byte, 0, len(w.cachedSPS)+len(w.cachedPPS)+len(annexB))
		prefixed = append(prefixed, w.cachedSPS...)
		prefixed = append(prefixed, w.cachedPPS...)
		prefixed = append(prefixed, annexB...)
		annexB = prefixed
	}
	if isKeyframe {
		w.firstKeyframeSent = true
	}

	// The transform's configured rate is fixed at 60fps (spec C3); the
	// 100ns sample-time counter advances by one frame period per sample
	// regardless of wall-clock jitter in when the job was taken.
	const frameDuration = time.Second / 60
	w.sampleTimeHns += uint64(frameDuration / 100)

	return EncodeResult{
		EncodedBytes: annexB,
		IsKeyframe:   isKeyframe,
		Duration:     frameDuration,
		Width:        job.Width,
		Height:       job.Height,
	}, true
}

// cacheSPSPPS scans an Annex-B buffer for SPS/PPS NALs and stores each,
// start-code included. encodeOne prepends the cache only to a keyframe that
// lacks in-band SPS/PPS and precedes the first keyframe sent.
func (w *VideoEncoderWorker) cacheSPSPPS(annexB []byte) {
	i := 0
	for i < len(annexB) {
		start, scLen := findStartCode(annexB, i)
		if start < 0 {
			return
		}
		nalBegin := start + scLen
		next, _ := findStartCode(annexB, nalBegin)
		nalEnd := len(annexB)
		if next >= 0 {
			nalEnd = next
		}
		if nalBegin >= nalEnd {
			i = nalEnd
			continue
		}
		nalType := annexB[nalBegin] & 0x1f
		switch nalType {
		case nalTypeSPS:
			w.cachedSPS = append([]byte{}, annexB[start:nalEnd]...)
		case nalTypePPS:
			w.cachedPPS = append([]byte{}, annexB[start:nalEnd]...)
		}
		i = nalEnd
	}
}
