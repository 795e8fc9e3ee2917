package desktop

import (
	"context"
	"log/slog"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	audioSampleRate       = 48000
	audioChannels         = 2
	audioFrameSamples     = 960 // 10ms at 48kHz, interleaved stereo -> 480 per channel
	audioBitrateBps       = 64_000
	audioFrameDuration    = 10 * time.Millisecond
	audioEncodedBufBytes  = 4000 // generous upper bound for a 10ms Opus frame
	audioQueueCapacitySec = 1
)

// AudioFrame is the unit of work consumed by the audio encoder worker: a
// fixed 10ms slice of interleaved stereo float PCM captured at 48kHz.
type AudioFrame struct {
	Samples     []float32 // len must be audioFrameSamples (480 per channel)
	TimestampUs uint64    // monotonic, from capture start
}

// AudioEncodeResult is a single encoded Opus packet emitted in the same
// order its source AudioFrame was consumed.
type AudioEncodeResult struct {
	Data     []byte
	Duration time.Duration
}

// AudioEncoderWorker drives an in-process Opus encoder over a bounded queue
// of AudioFrame, emitting AudioEncodeResult on a buffered output channel of
// the same capacity as the input queue; Run blocks while that channel is full.
// Encode parameters are fixed by contract: 48kHz, stereo, general-audio
// application profile, 64kbps best-effort bitrate, 10ms frames.
type AudioEncoderWorker struct {
	in  chan AudioFrame
	out chan AudioEncodeResult
	enc *opus.Encoder
}

// NewAudioEncoderWorker constructs the Opus encoder and its input queue.
// The queue is sized for roughly one second of audio so a momentary stall
// downstream does not immediately force frame drops.
func NewAudioEncoderWorker() (*AudioEncoderWorker, error) {
	enc, err := opus.NewEncoder(audioSampleRate, audioChannels, opus.AppAudio)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(audioBitrateBps); err != nil {
		slog.Warn("audio encoder: failed to set target bitrate, continuing with encoder default", "error", err)
	}

	queueCap := int(time.Duration(audioQueueCapacitySec) * time.Second / audioFrameDuration)
	return &AudioEncoderWorker{
		in:  make(chan AudioFrame, queueCap),
		out: make(chan AudioEncodeResult, queueCap),
		enc: enc,
	}, nil
}

// Enqueue submits a frame for encoding. Non-blocking: returns false and
// drops the frame if the input queue is full.
func (w *AudioEncoderWorker) Enqueue(frame AudioFrame) bool {
	select {
	case w.in <- frame:
		return true
	default:
		return false
	}
}

// Results returns the channel of encoded packets, delivered strictly in
// input order.
func (w *AudioEncoderWorker) Results() <-chan AudioEncodeResult {
	return w.out
}

// Run drives the encode loop until ctx is cancelled, then closes the
// output channel.
func (w *AudioEncoderWorker) Run(ctx context.Context) {
	defer close(w.out)
	buf := make([]byte, audioEncodedBufBytes)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-w.in:
			if len(frame.Samples) != audioFrameSamples {
				slog.Warn("audio encoder: dropping malformed frame", "samples", len(frame.Samples), "want", audioFrameSamples)
				continue
			}
			n, err := w.enc.EncodeFloat32(frame.Samples, buf)
			if err != nil {
				slog.Warn("audio encoder: encode failed, dropping frame", "error", err)
				continue
			}
			encoded := make([]byte, n)
			copy(encoded, buf[:n])

			select {
			case w.out <- AudioEncodeResult{Data: encoded, Duration: audioFrameDuration}:
			case <-ctx.Done():
				return
			}
		}
	}
}
