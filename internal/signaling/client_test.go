package signaling

import (
	"encoding/json"
	"testing"
)

func TestBuildWSURL_SchemeUpgrade(t *testing.T) {
	c := New(Config{URL: "https://example.com/signal", SessionID: "abc-123"}, func(Message) {})
	u, err := c.buildWSURL()
	if err != nil {
		t.Fatalf("buildWSURL: %v", err)
	}
	if got, want := u, "wss://example.com/signal?role=host&session_id=abc-123"; got != want {
		t.Fatalf("buildWSURL = %q, want %q", got, want)
	}
}

func TestBuildWSURL_PlainHTTP(t *testing.T) {
	c := New(Config{URL: "http://localhost:8080", SessionID: "s1"}, func(Message) {})
	u, err := c.buildWSURL()
	if err != nil {
		t.Fatalf("buildWSURL: %v", err)
	}
	if got, want := u, "ws://localhost:8080?role=host&session_id=s1"; got != want {
		t.Fatalf("buildWSURL = %q, want %q", got, want)
	}
}

func TestMessage_OfferUnmarshal(t *testing.T) {
	raw := `{"type":"offer","sdp":"v=0...","codec":"h264","session_id":"s1","negotiation_id":"n1"}`
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	if msg.Type != TypeOffer || msg.SDP != "v=0..." || msg.Codec != "h264" {
		t.Fatalf("unexpected offer fields: %#v", msg)
	}
}

func TestMessage_IceCandidateRoundTrip(t *testing.T) {
	idx := 0
	msg := Message{
		Type:          TypeICECandidate,
		Candidate:     "candidate:1 1 UDP 2122260223 192.0.2.1 54400 typ host",
		SDPMid:        "0",
		SDPMLineIndex: &idx,
		SessionID:     "s1",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal ice candidate: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal ice candidate: %v", err)
	}
	if decoded.Candidate != msg.Candidate || decoded.SDPMLineIndex == nil || *decoded.SDPMLineIndex != 0 {
		t.Fatalf("round trip mismatch: %#v", decoded)
	}
}

func TestErrMaxReconnectAttemptsExceeded_Defined(t *testing.T) {
	if ErrMaxReconnectAttemptsExceeded == nil {
		t.Fatal("ErrMaxReconnectAttemptsExceeded must be a non-nil sentinel error")
	}
	if MaxReconnectAttempts != 10 {
		t.Fatalf("MaxReconnectAttempts = %d, want 10", MaxReconnectAttempts)
	}
}
