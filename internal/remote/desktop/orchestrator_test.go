package desktop

import (
	"testing"

	"github.com/ryoha000/remotedesktopd/internal/signaling"
)

func newTestOrchestrator() *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		SignalingURL:    "ws://127.0.0.1:0/signaling",
		SessionID:       "test-session",
		STUNServers:     []string{"stun:stun.l.google.com:19302"},
		VideoBitrateBps: 2_000_000,
		AudioBitrateBps: 64_000,
		Mock:            true,
	})
}

func TestNewOrchestrator_WiresCollaboratorsWithoutPanicking(t *testing.T) {
	o := newTestOrchestrator()
	if o.controller == nil {
		t.Fatal("controller not constructed")
	}
	if o.router == nil {
		t.Fatal("router not constructed")
	}
	if o.signalingClient == nil {
		t.Fatal("signaling client not constructed")
	}
	if o.videoSource == nil || o.audioSource == nil {
		t.Fatal("mock sources not wired when cfg.Mock is true")
	}
}

func TestNewOrchestrator_NoMockSourcesWhenDisabled(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{SignalingURL: "ws://127.0.0.1:0", SessionID: "s", Mock: false})
	if o.videoSource != nil || o.audioSource != nil {
		t.Fatal("mock sources wired despite cfg.Mock=false")
	}
}

func TestOrchestrator_RebindTrackWritersIsSafeWithNoActiveConnection(t *testing.T) {
	o := newTestOrchestrator()
	o.rebindTrackWriters()

	if o.videoWriter.Load() != nil {
		t.Fatal("videoWriter bound with no active peer connection")
	}
	if o.audioWriter.Load() != nil {
		t.Fatal("audioWriter bound with no active peer connection")
	}
}

func TestOrchestrator_HandleControllerEvent_RequestKeyframeForwardsToRouter(t *testing.T) {
	o := newTestOrchestrator()
	o.router.keyframeReq.Store(false)

	o.handleControllerEvent(ControllerEvent{Kind: "RequestKeyframe"})

	if !o.router.keyframeReq.Load() {
		t.Fatal("RequestKeyframe controller event did not set the router's keyframe flag")
	}
}

func TestOrchestrator_HandleControllerEvent_UnknownAndInputKindsDoNotPanic(t *testing.T) {
	o := newTestOrchestrator()
	o.handleControllerEvent(ControllerEvent{Kind: "IceGatheringComplete"})
	o.handleControllerEvent(ControllerEvent{Kind: "Input", InputPayload: []byte("{}")})
	o.handleControllerEvent(ControllerEvent{Kind: "totally-unknown"})
}

func TestOrchestrator_HandleSignalingMessage_UnknownTypeDoesNotPanic(t *testing.T) {
	o := newTestOrchestrator()
	o.handleSignalingMessage(signaling.Message{Type: "not-a-real-type"})
}

func TestOrchestrator_HandleSignalingMessage_ICECandidateWithoutOfferIsIgnoredSafely(t *testing.T) {
	o := newTestOrchestrator()
	// No HandleSetOffer has run yet, so there is no active peer connection;
	// the controller must report the error internally rather than panic.
	o.handleSignalingMessage(signaling.Message{
		Type:      signaling.TypeICECandidate,
		Candidate: "candidate:1 1 UDP 2122260223 10.0.0.1 12345 typ host",
	})
}
