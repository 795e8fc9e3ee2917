package desktop

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// VideoFrame is a single captured frame handed from the capture producer
// to the frame router. The router owns pixels after this handoff; the
// producer must not reuse the buffer.
type VideoFrame struct {
	Width, Height   uint32
	Pixels          []byte // BGRA/RGBA, row stride = 4*Width
	CaptureTimestamp uint64 // 100ns ticks of a monotonic host clock
}

// encoderFactory builds a fresh video encoder worker plus its frame slot for
// a given resolution. Swapped in by the router whenever dimensions change.
type encoderFactory func(width, height int) (*frameSlot, <-chan EncodeResult, func())

// FrameRouter mediates between the raw frame producer and the active video
// encoder worker: it owns the current frame slot, tracks the negotiated
// resolution, and gates delivery on connection readiness.
type FrameRouter struct {
	in          chan VideoFrame
	newEncoder  encoderFactory
	onEncoder   func(results <-chan EncodeResult)
	readyFlag   *atomic.Bool
	keyframeReq atomic.Bool

	mu            sync.Mutex
	slot          *frameSlot
	stopPrevious  func()
	currentWidth  int
	currentHeight int

	received        uint64
	droppedNotReady uint64
	droppedNoEnc    uint64

	stop chan struct{}
}

// NewFrameRouter constructs a router reading from in, building encoders
// via newEncoder, and calling onEncoder whenever a new encoder's result
// channel replaces the previous one (the orchestrator starts a goroutine
// that forwards the new channel to the current track writer).
func NewFrameRouter(in chan VideoFrame, readyFlag *atomic.Bool, newEncoder encoderFactory, onEncoder func(<-chan EncodeResult)) *FrameRouter {
	return &FrameRouter{
		in:         in,
		newEncoder: newEncoder,
		onEncoder:  onEncoder,
		readyFlag:  readyFlag,
		stop:       make(chan struct{}),
	}
}

// RequestKeyframe marks the next routed frame as a keyframe request.
func (r *FrameRouter) RequestKeyframe() {
	r.keyframeReq.Store(true)
}

// Run drives the per-frame procedure until Stop is called or in is closed.
func (r *FrameRouter) Run() {
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-r.stop:
			r.closeCurrentSlot()
			return
		case frame, ok := <-r.in:
			if !ok {
				r.closeCurrentSlot()
				return
			}
			r.route(frame)
		case <-statsTicker.C:
			r.logStats()
		}
	}
}

// Stop signals Run to exit and shuts down the current encoder's slot.
func (r *FrameRouter) Stop() {
	close(r.stop)
}

func (r *FrameRouter) route(frame VideoFrame) {
	r.received++

	if !r.readyFlag.Load() {
		r.droppedNotReady++
		if r.droppedNotReady%100 == 0 {
			slog.Info("frame router: dropping frames, connection not ready", "dropped", r.droppedNotReady)
		}
		return
	}

	r.mu.Lock()
	width, height := int(frame.Width), int(frame.Height)
	if width != r.currentWidth || height != r.currentHeight {
		if r.currentWidth == 0 && r.currentHeight == 0 {
			r.currentWidth, r.currentHeight = width, height
		} else {
			if r.stopPrevious != nil {
				r.stopPrevious()
			}
			r.currentWidth, r.currentHeight = width, height
		}
		slot, results, stopFn := r.newEncoder(width, height)
		r.slot = slot
		r.stopPrevious = stopFn
		r.keyframeReq.Store(true)
		r.mu.Unlock()
		if r.onEncoder != nil {
			r.onEncoder(results)
		}
		r.mu.Lock()
	}
	slot := r.slot
	r.mu.Unlock()

	if slot == nil {
		r.droppedNoEnc++
		return
	}

	requestKeyframe := r.keyframeReq.Swap(false)
	slot.set(EncodeJob{
		Width:           width,
		Height:          height,
		Pixels:          frame.Pixels,
		SourceTimestamp: frame.CaptureTimestamp,
		EnqueueInstant:  time.Now().UnixNano(),
		RequestKeyframe: requestKeyframe,
	})
}

func (r *FrameRouter) closeCurrentSlot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopPrevious != nil {
		r.stopPrevious()
		r.stopPrevious = nil
	}
}

func (r *FrameRouter) logStats() {
	slog.Info("frame router stats",
		"received", r.received,
		"droppedNotReady", r.droppedNotReady,
		"droppedNoEncoder", r.droppedNoEnc,
	)
}
