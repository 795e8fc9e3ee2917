package desktop

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ryoha000/remotedesktopd/internal/signaling"
)

// OrchestratorConfig carries the subset of the daemon's configuration the
// Host Orchestrator needs to wire its collaborators.
type OrchestratorConfig struct {
	SignalingURL    string
	SessionID       string
	STUNServers     []string
	VideoBitrateBps int
	AudioBitrateBps int
	Mock            bool
}

// Orchestrator is the spec's C10: it wires the capture producers, C5
// Frame Router, C4 Audio Encoder Worker, C6 Track Writers, C7 Session
// Controller and C9 Signaling Adapter into one running daemon, and treats
// the first of those cooperative tasks to terminate as a reason to stop
// the whole process — mirroring the teacher's runAgent/shutdownAgent
// shape, generalized from heartbeat+websocket wiring to this daemon's
// media/session task set.
type Orchestrator struct {
	cfg        OrchestratorConfig
	videoInput chan VideoFrame

	signalingClient *signaling.Client
	controller      *SessionController
	router          *FrameRouter
	audioWorker     *AudioEncoderWorker
	adaptive        *AdaptiveBitrate

	videoWriter atomic.Pointer[TrackWriter]
	audioWriter atomic.Pointer[TrackWriter]

	negMu         sync.Mutex
	sessionID     string
	negotiationID string

	videoSource VideoFrameSource
	audioSource AudioFrameSource

	adaptiveMu   sync.Mutex
	adaptiveOnce sync.Once

	errOnce sync.Once
	errCh   chan error
}

// NewOrchestrator wires every collaborator but starts nothing; call Run to
// start the cooperative task set.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		videoInput: make(chan VideoFrame, 4),
		controller: NewSessionController(),
		errCh:      make(chan error, 8),
	}

	var err error
	o.audioWorker, err = NewAudioEncoderWorker()
	if err != nil {
		// Opus is a required in-process codec per spec §4.4, but a failed
		// construction is not fatal here: audioWorker stays nil, Run
		// starts no audio tasks, and the daemon runs video-only.
		slog.Error("orchestrator: failed to construct audio encoder, audio will be unavailable", "error", err)
	}

	o.router = NewFrameRouter(o.videoInput, o.controller.ConnectionReady(), o.newVideoEncoder, o.onNewVideoEncoder)

	o.signalingClient = signaling.New(signaling.Config{
		URL:       cfg.SignalingURL,
		SessionID: cfg.SessionID,
	}, o.handleSignalingMessage)

	if cfg.Mock {
		o.videoSource = NewMockVideoSource(1280, 720, 30)
		o.audioSource = MockAudioSource{}
	}

	return o
}

// newVideoEncoder is the router's encoderFactory: it builds a fresh
// VideoEncoder + frameSlot + VideoEncoderWorker for a resolution, pins the
// worker's event loop to a dedicated OS thread (spec §5: the async
// hardware transform blocks synchronously on GetEvent and must not share
// a thread with the cooperative runtime), and rebinds the adaptive
// bitrate controller to the new encoder.
func (o *Orchestrator) newVideoEncoder(width, height int) (*frameSlot, <-chan EncodeResult, func()) {
	slot := newFrameSlot()

	encCfg := DefaultEncoderConfig()
	encCfg.PreferHardware = true
	if o.cfg.VideoBitrateBps > 0 {
		encCfg.Bitrate = o.cfg.VideoBitrateBps
	}
	enc, err := NewVideoEncoder(encCfg)
	if err != nil {
		slog.Error("orchestrator: failed to construct video encoder", "error", err, "width", width, "height", height)
		closed := make(chan EncodeResult)
		close(closed)
		return slot, closed, func() { slot.shutdownSlot() }
	}
	enc.SetPixelFormat(PixelFormatBGRA)
	o.bindAdaptiveBitrate(enc)

	worker := NewVideoEncoderWorker(slot, enc)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		worker.Run()
	}()

	return slot, worker.Results(), func() { slot.shutdownSlot() }
}

// onNewVideoEncoder is called by the router every time the encoder factory
// produces a fresh result channel (first frame, or a resolution change). It
// starts one forwarding goroutine per channel that drains into whichever
// TrackWriter is current, so a renegotiation mid-stream does not require
// re-plumbing the encoder pipeline.
func (o *Orchestrator) onNewVideoEncoder(results <-chan EncodeResult) {
	go func() {
		for res := range results {
			if w := o.videoWriter.Load(); w != nil {
				w.WriteSample(res.EncodedBytes, res.Duration)
			}
		}
	}()
}

// Run starts every cooperative task and blocks until ctx is cancelled or
// any task terminates, matching spec §4.10's "select! over task handles;
// log and exit on the first terminating task".
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go o.runSignaling(ctx)
	go func() { o.router.Run(); o.fail(errTaskDone("frame router")) }()
	if o.audioWorker != nil {
		go func() { o.audioWorker.Run(ctx); o.fail(errTaskDone("audio encoder")) }()
		go o.forwardAudio(ctx)
	}
	go o.pumpControllerEvents(ctx)

	if o.cfg.Mock {
		go o.runMockProducers(ctx)
	}

	select {
	case <-ctx.Done():
		o.shutdown()
		return ctx.Err()
	case err := <-o.errCh:
		slog.Error("orchestrator: a supervised task terminated, shutting down", "error", err)
		o.shutdown()
		return err
	}
}

func (o *Orchestrator) shutdown() {
	o.router.Stop()
	o.signalingClient.Stop()
	o.controller.Close()
}

type taskDoneError struct{ task string }

func (e *taskDoneError) Error() string { return "orchestrator: task terminated: " + e.task }

func errTaskDone(task string) error { return &taskDoneError{task: task} }

func (o *Orchestrator) fail(err error) {
	o.errOnce.Do(func() {
		select {
		case o.errCh <- err:
		default:
		}
	})
}

// runMockProducers feeds the synthetic capture/loopback sources into C5's
// input queue and C4's input queue. Only active when cfg.Mock is set;
// real capture is an out-of-scope external collaborator (spec.md §1).
func (o *Orchestrator) runMockProducers(ctx context.Context) {
	if o.videoSource != nil {
		videoCh, err := o.videoSource.Start(ctx)
		if err != nil {
			slog.Error("orchestrator: mock video source failed to start", "error", err)
		} else {
			go func() {
				for frame := range videoCh {
					select {
					case o.videoInput <- frame:
					case <-ctx.Done():
						return
					default:
						// Producer is expected to drop internally when the
						// router's queue is full (spec §9); mirrored here.
					}
				}
			}()
		}
	}
	if o.audioSource != nil && o.audioWorker != nil {
		audioCh, err := o.audioSource.Start(ctx)
		if err != nil {
			slog.Error("orchestrator: mock audio source failed to start", "error", err)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-audioCh:
				if !ok {
					return
				}
				o.audioWorker.Enqueue(frame)
			}
		}
	}
}

func (o *Orchestrator) forwardAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-o.audioWorker.Results():
			if !ok {
				return
			}
			if w := o.audioWriter.Load(); w != nil {
				w.WriteSample(res.Data, res.Duration)
			}
		}
	}
}

// runSignaling drives the C9 signaling adapter, translating inbound wire
// messages into C7 controller calls.
func (o *Orchestrator) runSignaling(ctx context.Context) {
	err := o.signalingClient.Run()
	if err != nil {
		o.fail(err)
		return
	}
	o.fail(errTaskDone("signaling client"))
}

func (o *Orchestrator) handleSignalingMessage(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		o.negMu.Lock()
		o.sessionID = msg.SessionID
		o.negotiationID = msg.NegotiationID
		o.negMu.Unlock()

		iceServers := make([]webrtc.ICEServer, 0, len(o.cfg.STUNServers))
		for _, url := range o.cfg.STUNServers {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
		}

		if err := o.controller.HandleSetOffer(msg.SDP, msg.Codec, iceServers); err != nil {
			slog.Error("orchestrator: failed to handle offer", "error", err)
			o.sendSignaling(signaling.Message{Type: signaling.TypeError, ErrorMessage: err.Error()})
			return
		}
		o.rebindTrackWriters()

	case signaling.TypeICECandidate:
		var mline *uint16
		if msg.SDPMLineIndex != nil {
			v := uint16(*msg.SDPMLineIndex)
			mline = &v
		}
		var mid *string
		if msg.SDPMid != "" {
			mid = &msg.SDPMid
		}
		if err := o.controller.HandleAddIceCandidate(msg.Candidate, mid, mline); err != nil {
			slog.Warn("orchestrator: failed to add ICE candidate", "error", err)
		}

	case signaling.TypeError:
		slog.Warn("orchestrator: signaling peer reported an error", "message", msg.ErrorMessage)

	default:
		slog.Warn("orchestrator: unknown signaling message type, dropping", "type", msg.Type)
	}
}

// rebindTrackWriters replaces the video/audio TrackWriters after a
// (re)negotiation so encoder output keeps flowing to the newly created
// local tracks instead of ones torn down with the previous peer connection.
func (o *Orchestrator) rebindTrackWriters() {
	if vt := o.controller.VideoTrack(); vt != nil {
		o.videoWriter.Store(NewTrackWriter("video", vt, o.onTrackWriteFailure))
	}
	if at := o.controller.AudioTrack(); at != nil {
		o.audioWriter.Store(NewTrackWriter("audio", at, o.onTrackWriteFailure))
	}
}

func (o *Orchestrator) onTrackWriteFailure(err error) {
	slog.Error("orchestrator: repeated track write failures, abandoning session", "error", err)
	o.controller.Close()
}

// bindAdaptiveBitrate constructs the A6 adaptive bitrate controller the
// first time a video encoder exists (NewAdaptiveBitrate requires a live
// encoder) and rebinds it to every encoder created afterward (resolution
// changes). The RTCP-stats poll loop is started exactly once, since it
// only needs a live peer connection, which outlives individual encoders.
func (o *Orchestrator) bindAdaptiveBitrate(enc *VideoEncoder) {
	o.adaptiveMu.Lock()
	defer o.adaptiveMu.Unlock()

	if o.adaptive != nil {
		o.adaptive.SetEncoder(enc)
		return
	}

	maxBitrate := o.cfg.VideoBitrateBps
	if maxBitrate <= 0 {
		maxBitrate = 2_500_000
	}
	adaptive, err := NewAdaptiveBitrate(AdaptiveConfig{
		Encoder:        enc,
		InitialBitrate: maxBitrate,
		MinBitrate:     maxBitrate / 5,
		MaxBitrate:     maxBitrate,
		Cooldown:       2 * time.Second,
	})
	if err != nil {
		slog.Warn("orchestrator: adaptive bitrate controller unavailable", "error", err)
		return
	}
	o.adaptive = adaptive
	o.adaptiveOnce.Do(func() {
		go runAdaptiveBitrateLoop(context.Background(), o.controller, o.adaptive)
	})
}

// pumpControllerEvents drains C7's event stream and forwards Answer/
// IceCandidate/Error events to signaling, RequestKeyframe events to C5, and
// logs the rest (IceGatheringComplete has no wire representation per
// spec §6.1; Input is out of scope per spec.md §1's input-injection
// exclusion).
func (o *Orchestrator) pumpControllerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.controller.Events():
			if !ok {
				return
			}
			o.handleControllerEvent(ev)
		}
	}
}

func (o *Orchestrator) handleControllerEvent(ev ControllerEvent) {
	o.negMu.Lock()
	sessionID, negotiationID := o.sessionID, o.negotiationID
	o.negMu.Unlock()

	switch ev.Kind {
	case "Answer":
		o.sendSignaling(signaling.Message{
			Type: signaling.TypeAnswer, SDP: ev.SDP,
			SessionID: sessionID, NegotiationID: negotiationID,
		})
	case "IceCandidate":
		mlineIdx := int(ev.SDPMLineIndex)
		o.sendSignaling(signaling.Message{
			Type: signaling.TypeICECandidate, Candidate: ev.Candidate,
			SDPMid: ev.SDPMid, SDPMLineIndex: &mlineIdx,
			SessionID: sessionID, NegotiationID: negotiationID,
		})
	case "IceGatheringComplete":
		slog.Debug("orchestrator: ICE gathering complete")
	case "Error":
		o.sendSignaling(signaling.Message{Type: signaling.TypeError, ErrorMessage: ev.Message})
	case "RequestKeyframe":
		o.router.RequestKeyframe()
	case "Input":
		slog.Debug("orchestrator: input event received, forwarding out of scope", "bytes", len(ev.InputPayload))
	}
}

func (o *Orchestrator) sendSignaling(msg signaling.Message) {
	if o.signalingClient == nil {
		return
	}
	if err := o.signalingClient.Send(msg); err != nil {
		slog.Warn("orchestrator: failed to send signaling message", "type", msg.Type, "error", err)
	}
}
