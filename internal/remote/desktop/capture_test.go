package desktop

import (
	"context"
	"testing"
	"time"
)

func TestMockVideoSource_AppliesDefaultsForZeroFields(t *testing.T) {
	src := NewMockVideoSource(0, 0, 0)
	if src.Width != 1280 || src.Height != 720 || src.FPS != 30 {
		t.Fatalf("defaults = %dx%d@%d, want 1280x720@30", src.Width, src.Height, src.FPS)
	}
}

func TestMockVideoSource_ProducesFramesAtRequestedResolution(t *testing.T) {
	src := NewMockVideoSource(64, 48, 200)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	select {
	case frame := <-out:
		if frame.Width != 64 || frame.Height != 48 {
			t.Fatalf("frame dims = %dx%d, want 64x48", frame.Width, frame.Height)
		}
		if len(frame.Pixels) != 64*48*4 {
			t.Fatalf("pixel buffer len = %d, want %d", len(frame.Pixels), 64*48*4)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame produced within 1s")
	}
}

func TestMockVideoSource_ClosesOutputOnContextCancel(t *testing.T) {
	src := NewMockVideoSource(16, 16, 100)
	ctx, cancel := context.WithCancel(context.Background())

	out, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	<-out // drain at least one frame so the producer goroutine has started
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			// one more buffered frame may drain before close; read until closed
			for ok {
				_, ok = <-out
			}
		}
	case <-time.After(time.Second):
		t.Fatal("output channel was not closed after context cancellation")
	}
}

func TestRenderCheckerboard_ShiftsBetweenFrames(t *testing.T) {
	a := renderCheckerboard(64, 64, 0)
	b := renderCheckerboard(64, 64, 16)
	if len(a) != 64*64*4 || len(b) != 64*64*4 {
		t.Fatalf("buffer length mismatch: %d / %d", len(a), len(b))
	}
	if string(a) == string(b) {
		t.Fatal("checkerboard did not change between frame indices 0 and 16")
	}
	for i := 0; i < len(a); i += 4 {
		if a[i+3] != 255 {
			t.Fatalf("alpha channel at pixel %d = %d, want 255", i/4, a[i+3])
		}
	}
}

func TestMockAudioSource_ProducesCorrectlySizedSilenceFrames(t *testing.T) {
	src := MockAudioSource{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	select {
	case frame := <-out:
		if len(frame.Samples) != audioFrameSamples {
			t.Fatalf("samples len = %d, want %d", len(frame.Samples), audioFrameSamples)
		}
		for i, s := range frame.Samples {
			if s != 0 {
				t.Fatalf("sample %d = %f, want silence (0)", i, s)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("no audio frame produced within 1s")
	}
}
