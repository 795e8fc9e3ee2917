package desktop

import (
	"context"
	"testing"
	"time"
)

func TestAudioEncoderWorker_EncodesFramesInOrder(t *testing.T) {
	w, err := NewAudioEncoderWorker()
	if err != nil {
		t.Fatalf("NewAudioEncoderWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	const frames = 5
	for i := 0; i < frames; i++ {
		samples := make([]float32, audioFrameSamples)
		if !w.Enqueue(AudioFrame{Samples: samples, TimestampUs: uint64(i) * 10000}) {
			t.Fatalf("Enqueue(%d) dropped", i)
		}
	}

	for i := 0; i < frames; i++ {
		select {
		case res := <-w.Results():
			if res.Duration != audioFrameDuration {
				t.Fatalf("result %d duration = %v, want %v", i, res.Duration, audioFrameDuration)
			}
			if len(res.Data) == 0 {
				t.Fatalf("result %d has empty payload", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
}

func TestAudioEncoderWorker_DropsMalformedFrame(t *testing.T) {
	w, err := NewAudioEncoderWorker()
	if err != nil {
		t.Fatalf("NewAudioEncoderWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(AudioFrame{Samples: make([]float32, 10)}) // wrong length
	w.Enqueue(AudioFrame{Samples: make([]float32, audioFrameSamples)})

	select {
	case res := <-w.Results():
		if len(res.Data) == 0 {
			t.Fatal("expected the well-formed frame's result, got empty payload")
		}
	case <-time.After(time.Second):
		t.Fatal("malformed frame should be dropped silently, well-formed frame should still be encoded")
	}
}

func TestAudioEncoderWorker_StopsOnContextCancel(t *testing.T) {
	w, err := NewAudioEncoderWorker()
	if err != nil {
		t.Fatalf("NewAudioEncoderWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	cancel()

	select {
	case _, ok := <-w.Results():
		if ok {
			t.Fatal("expected results channel to be closed after cancel, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not close the results channel after context cancellation")
	}
}
