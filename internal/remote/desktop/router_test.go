package desktop

import (
	"sync/atomic"
	"testing"
	"time"
)

// newFakeEncoderFactory stands in for a VideoEncoderWorker: it echoes every
// enqueued job back as a result, letting tests assert on resolution and
// keyframe flags without touching a real hardware/software encoder backend.
func newFakeEncoderFactory(created *int32) encoderFactory {
	return func(width, height int) (*frameSlot, <-chan EncodeResult, func()) {
		atomic.AddInt32(created, 1)
		slot := newFrameSlot()
		out := make(chan EncodeResult)
		stopped := make(chan struct{})

		go func() {
			defer close(out)
			for {
				job, err := slot.take()
				if err != nil {
					return
				}
				select {
				case out <- EncodeResult{Width: job.Width, Height: job.Height, IsKeyframe: job.RequestKeyframe}:
				case <-stopped:
					return
				}
			}
		}()

		return slot, out, func() {
			slot.shutdownSlot()
			close(stopped)
		}
	}
}

func TestFrameRouter_DropsWhenNotReady(t *testing.T) {
	in := make(chan VideoFrame, 1)
	var ready atomic.Bool
	var created int32

	var gotResults <-chan EncodeResult
	router := NewFrameRouter(in, &ready, newFakeEncoderFactory(&created), func(r <-chan EncodeResult) { gotResults = r })
	go router.Run()
	defer router.Stop()

	in <- VideoFrame{Width: 100, Height: 100, Pixels: make([]byte, 100*100*4)}
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&created) != 0 {
		t.Fatalf("encoder constructed while connection_ready=false")
	}
	if gotResults != nil {
		t.Fatalf("onEncoder called while connection_ready=false")
	}
}

func TestFrameRouter_FirstFrameRequestsKeyframe(t *testing.T) {
	in := make(chan VideoFrame, 1)
	var ready atomic.Bool
	ready.Store(true)
	var created int32

	resultsCh := make(chan EncodeResult, 4)
	router := NewFrameRouter(in, &ready, newFakeEncoderFactory(&created), func(r <-chan EncodeResult) {
		go func() {
			for res := range r {
				resultsCh <- res
			}
		}()
	})
	go router.Run()
	defer router.Stop()

	in <- VideoFrame{Width: 1920, Height: 1080, Pixels: make([]byte, 1920*1080*4)}

	select {
	case res := <-resultsCh:
		if !res.IsKeyframe {
			t.Fatal("first routed frame was not marked as a keyframe request")
		}
		if res.Width != 1920 || res.Height != 1080 {
			t.Fatalf("result dims = %dx%d, want 1920x1080", res.Width, res.Height)
		}
	case <-time.After(time.Second):
		t.Fatal("no result produced for first frame")
	}
	if atomic.LoadInt32(&created) != 1 {
		t.Fatalf("encoder created %d times, want 1", created)
	}
}

func TestFrameRouter_ResolutionChangeRecreatesEncoderAndForcesKeyframe(t *testing.T) {
	in := make(chan VideoFrame, 2)
	var ready atomic.Bool
	ready.Store(true)
	var created int32

	resultsCh := make(chan EncodeResult, 8)
	router := NewFrameRouter(in, &ready, newFakeEncoderFactory(&created), func(r <-chan EncodeResult) {
		go func() {
			for res := range r {
				resultsCh <- res
			}
		}()
	})
	go router.Run()
	defer router.Stop()

	in <- VideoFrame{Width: 640, Height: 480, Pixels: make([]byte, 640*480*4)}
	first := waitResult(t, resultsCh)
	if !first.IsKeyframe {
		t.Fatal("first frame result should request a keyframe")
	}

	in <- VideoFrame{Width: 1280, Height: 720, Pixels: make([]byte, 1280*720*4)}
	second := waitResult(t, resultsCh)
	if !second.IsKeyframe {
		t.Fatal("result after a resolution change must be marked as a keyframe request")
	}
	if second.Width != 1280 || second.Height != 720 {
		t.Fatalf("result dims = %dx%d, want 1280x720", second.Width, second.Height)
	}
	if atomic.LoadInt32(&created) != 2 {
		t.Fatalf("encoder created %d times across a resolution change, want 2", created)
	}
}

func waitResult(t *testing.T, ch <-chan EncodeResult) EncodeResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for encode result")
		return EncodeResult{}
	}
}
