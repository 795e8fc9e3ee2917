package desktop

import (
	"testing"
	"time"
)

func TestFrameSlot_NewestWins(t *testing.T) {
	s := newFrameSlot()
	s.set(EncodeJob{Width: 1})
	s.set(EncodeJob{Width: 2})
	s.set(EncodeJob{Width: 3})

	job, err := s.take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if job.Width != 3 {
		t.Fatalf("take returned Width=%d, want 3 (newest-wins)", job.Width)
	}
}

func TestFrameSlot_TakeBlocksUntilSet(t *testing.T) {
	s := newFrameSlot()
	done := make(chan EncodeJob, 1)
	go func() {
		job, err := s.take()
		if err != nil {
			t.Errorf("take: %v", err)
			return
		}
		done <- job
	}()

	select {
	case <-done:
		t.Fatal("take returned before set was called")
	case <-time.After(20 * time.Millisecond):
	}

	s.set(EncodeJob{Width: 42})

	select {
	case job := <-done:
		if job.Width != 42 {
			t.Fatalf("job.Width = %d, want 42", job.Width)
		}
	case <-time.After(time.Second):
		t.Fatal("take did not unblock after set")
	}
}

func TestFrameSlot_ShutdownWakesWaiters(t *testing.T) {
	s := newFrameSlot()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.take()
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	s.shutdownSlot()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !IsSlotShutdown(err) {
				t.Fatalf("take error = %v, want shutdown sentinel", err)
			}
		case <-time.After(time.Second):
			t.Fatal("take did not unblock after shutdown")
		}
	}
}

func TestFrameSlot_ShutdownThenTakeReturnsImmediately(t *testing.T) {
	s := newFrameSlot()
	s.shutdownSlot()

	done := make(chan error, 1)
	go func() {
		_, err := s.take()
		done <- err
	}()

	select {
	case err := <-done:
		if !IsSlotShutdown(err) {
			t.Fatalf("take error = %v, want shutdown sentinel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("take on already-shut-down slot should not block")
	}
}

func TestFrameSlot_SetNeverBlocksAfterShutdown(t *testing.T) {
	s := newFrameSlot()
	s.shutdownSlot()
	done := make(chan struct{})
	go func() {
		s.set(EncodeJob{Width: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("set blocked after shutdown")
	}
}
