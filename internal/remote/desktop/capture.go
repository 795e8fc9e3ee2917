package desktop

import (
	"context"
	"time"
)

// VideoFrameSource is the out-of-scope collaborator interface spec.md §1
// carves out for OS-specific screen capture: this repo depends only on the
// channel it produces, never on how a frame was acquired.
type VideoFrameSource interface {
	// Start begins producing frames and returns a channel that is closed
	// when the source stops (context cancellation or a fatal capture
	// error). The source owns backpressure internally: per spec §9, a
	// full output channel is handled by the producer dropping frames, not
	// by this package applying its own bound.
	Start(ctx context.Context) (<-chan VideoFrame, error)
}

// AudioFrameSource is the audio equivalent of VideoFrameSource, out of
// scope per spec.md §1 (OS-specific loopback acquisition).
type AudioFrameSource interface {
	Start(ctx context.Context) (<-chan AudioFrame, error)
}

// MockVideoSource produces synthetic checkerboard BGRA frames at a fixed
// resolution and frame rate. It exists only so the core pipeline (C5-C7)
// can be driven end to end without a real capture backend, grounded on the
// shape of the original implementation's video-capture-mock collaborator;
// it is explicitly out of core scope (spec.md §1) and selected only by the
// `mock` config flag (spec.md §6.5).
type MockVideoSource struct {
	Width, Height int
	FPS           int
}

// NewMockVideoSource constructs a mock source with sane defaults (1280x720
// at 30fps) for any zero field.
func NewMockVideoSource(width, height, fps int) *MockVideoSource {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	if fps <= 0 {
		fps = 30
	}
	return &MockVideoSource{Width: width, Height: height, FPS: fps}
}

func (m *MockVideoSource) Start(ctx context.Context) (<-chan VideoFrame, error) {
	out := make(chan VideoFrame, 2)
	go m.run(ctx, out)
	return out, nil
}

func (m *MockVideoSource) run(ctx context.Context, out chan<- VideoFrame) {
	defer close(out)

	interval := time.Second / time.Duration(m.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var frameIndex uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := VideoFrame{
				Width:            uint32(m.Width),
				Height:           uint32(m.Height),
				Pixels:           renderCheckerboard(m.Width, m.Height, frameIndex),
				CaptureTimestamp: uint64(time.Since(start).Nanoseconds() / 100),
			}
			frameIndex++
			select {
			case out <- frame:
			default:
				// Mirrors a real capturer's internal-drop policy (spec §9
				// "backpressure upstream is not implemented"): a full
				// channel means the consumer has fallen behind, so this
				// frame is dropped rather than blocking capture.
			}
		}
	}
}

// renderCheckerboard fills a BGRA buffer (row stride = 4*width) with a
// coarse checkerboard that shifts one pixel per frame (wrapping after one
// tile width), enough to exercise
// the encoder's motion path without depending on any real capture source.
func renderCheckerboard(width, height int, frameIndex uint64) []byte {
	const tile = 32
	buf := make([]byte, width*height*4)
	shift := int(frameIndex % tile)
	for y := 0; y < height; y++ {
		row := buf[y*width*4 : (y+1)*width*4]
		for x := 0; x < width; x++ {
			on := ((x+shift)/tile+y/tile)%2 == 0
			var v byte = 32
			if on {
				v = 220
			}
			off := x * 4
			row[off+0] = v   // B
			row[off+1] = v   // G
			row[off+2] = v   // R
			row[off+3] = 255 // A
		}
	}
	return buf
}

// MockAudioSource produces 10ms stereo silence frames at 48kHz, just
// enough cadence for the Opus encoder worker to be driven without a real
// loopback-audio collaborator.
type MockAudioSource struct{}

func (MockAudioSource) Start(ctx context.Context) (<-chan AudioFrame, error) {
	out := make(chan AudioFrame, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(audioFrameDuration)
		defer ticker.Stop()
		start := time.Now()
		samples := make([]float32, audioFrameSamples)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame := AudioFrame{
					Samples:     samples,
					TimestampUs: uint64(time.Since(start).Microseconds()),
				}
				select {
				case out <- frame:
				default:
				}
			}
		}
	}()
	return out, nil
}
