package desktop

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// SessionState mirrors the spec's state variants: New -> Connecting ->
// Connected -> (Disconnected[grace] <-> Connected) -> Failed | Closed.
type SessionState int

const (
	StateNew SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

const (
	iceDisconnectedTimeout = 20 * time.Second
	iceFailedTimeout       = 40 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
	iceDisconnectGrace     = 5 * time.Second
	dataChannelPingPeriod  = 3 * time.Second
	pliFIRRateLimit        = 500 * time.Millisecond
)

// ControllerMessage is the small inbound message interface named by the
// spec: SetOffer or AddIceCandidate.
type ControllerMessage struct {
	Kind string // "SetOffer" or "AddIceCandidate"

	// SetOffer fields.
	SDP   string
	Codec string

	// AddIceCandidate fields.
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// ControllerEvent is emitted by the controller to its owner (typically
// forwarded straight to the signaling adapter or the input subsystem).
type ControllerEvent struct {
	Kind string // "Answer", "IceCandidate", "IceGatheringComplete", "Error", "RequestKeyframe", "Input"

	SDP          string
	Candidate    string
	SDPMid       string
	SDPMLineIndex uint16
	Message      string
	InputPayload []byte
}

// SessionController owns a single peer connection and all of its callbacks.
// It is the spec's C7: it does not itself produce or encode media, it only
// wires tracks, negotiation, and data-channel traffic, and surfaces a
// connection_ready flag that the frame router gates on.
type SessionController struct {
	events chan ControllerEvent

	mu sync.Mutex
	pc *webrtc.PeerConnection

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample

	connReady atomic.Bool
	readyEpoch atomic.Uint64

	graceMu     sync.Mutex
	graceTimer  *time.Timer
	graceActive bool

	dcClosed atomic.Bool

	firstConnected atomic.Bool
}

// NewSessionController constructs a controller with a buffered event
// channel; the caller drains Events() and forwards Answer/IceCandidate
// events to the signaling adapter.
func NewSessionController() *SessionController {
	return &SessionController{
		events: make(chan ControllerEvent, 32),
	}
}

// Events returns the controller's outbound event stream.
func (c *SessionController) Events() <-chan ControllerEvent {
	return c.events
}

// ConnectionReady reports the current readiness flag, read by the frame
// router on every frame.
func (c *SessionController) ConnectionReady() *atomic.Bool {
	return &c.connReady
}

func (c *SessionController) emit(ev ControllerEvent) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("session controller: event channel full, dropping event", "kind", ev.Kind)
	}
}

// HandleSetOffer implements step 1-10 of the spec's offer handling.
func (c *SessionController) HandleSetOffer(sdp string, codecHint string, iceServers []webrtc.ICEServer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register default codecs: %w", err)
	}

	i := &webrtc.InterceptorRegistry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return fmt.Errorf("register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)
	se.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	c.pc = pc

	videoMime := webrtc.MimeTypeH264
	if codecHint != "" && codecHint != "any" && codecHint != "h264" {
		slog.Info("session controller: ignoring unsupported codec hint, falling back to H.264", "hint", codecHint)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType: videoMime,
	}, "video", "remotedesktopd-video")
	if err != nil {
		return fmt.Errorf("new video track: %w", err)
	}
	c.videoTrack = videoTrack

	audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus,
	}, "audio", "remotedesktopd-audio")
	if err != nil {
		return fmt.Errorf("new audio track: %w", err)
	}
	c.audioTrack = audioTrack

	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}

	go c.rtcpLoop(videoSender)

	pc.OnDataChannel(c.onDataChannel)

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.emit(ControllerEvent{Kind: "IceGatheringComplete"})
			return
		}
		init := cand.ToJSON()
		ev := ControllerEvent{Kind: "IceCandidate", Candidate: init.Candidate}
		if init.SDPMid != nil {
			ev.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			ev.SDPMLineIndex = *init.SDPMLineIndex
		}
		c.emit(ev)
	})

	pc.OnConnectionStateChange(c.onConnectionStateChange)
	pc.OnICEConnectionStateChange(c.onICEConnectionStateChange)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	c.emit(ControllerEvent{Kind: "Answer", SDP: answer.SDP})
	return nil
}

// HandleAddIceCandidate implements ICE candidate addition.
func (c *SessionController) HandleAddIceCandidate(candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("session controller: no active peer connection")
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
}

// VideoTrack and AudioTrack expose the local tracks for the track writer.
func (c *SessionController) VideoTrack() *webrtc.TrackLocalStaticSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoTrack
}

func (c *SessionController) AudioTrack() *webrtc.TrackLocalStaticSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioTrack
}

// GetStats satisfies the statsGetter interface the A6 adaptive-bitrate
// poller depends on, without exposing the peer connection itself.
func (c *SessionController) GetStats() webrtc.StatsReport {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.GetStats()
}

// Close tears down the peer connection.
func (c *SessionController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelGrace()
	if c.pc == nil {
		return nil
	}
	err := c.pc.Close()
	c.pc = nil
	return err
}

func (c *SessionController) rtcpLoop(sender *webrtc.RTPSender) {
	var lastForced time.Time
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		forceNeeded := false
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				forceNeeded = true
			}
		}
		if forceNeeded && time.Since(lastForced) >= pliFIRRateLimit {
			lastForced = time.Now()
			c.emit(ControllerEvent{Kind: "RequestKeyframe"})
		}
	}
}

func (c *SessionController) onDataChannel(dc *webrtc.DataChannel) {
	slog.Info("session controller: data channel opened", "label", dc.Label())
	c.dcClosed.Store(false)

	dc.OnOpen(func() {
		go c.dataChannelPingLoop(dc)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleDataChannelMessage(dc, msg.Data)
	})

	dc.OnClose(func() {
		c.dcClosed.Store(true)
	})
}

// dataChannelMessage mirrors the §6.2 tagged union. Only one of the inner
// fields is populated per message.
type dataChannelMessage struct {
	Key               *dataChannelKeyEvent   `json:"Key,omitempty"`
	MouseWheel        *dataChannelMouseWheel `json:"MouseWheel,omitempty"`
	ScreenshotRequest *struct{}              `json:"ScreenshotRequest,omitempty"`
	Ping              *dataChannelTimestamp  `json:"Ping,omitempty"`
	Pong              *dataChannelTimestamp  `json:"Pong,omitempty"`
}

type dataChannelKeyEvent struct {
	Key  string `json:"key"`
	Down bool   `json:"down"`
}

type dataChannelMouseWheel struct {
	Delta int32 `json:"delta"`
}

type dataChannelTimestamp struct {
	TimestampMs uint64 `json:"timestamp"`
}

func (c *SessionController) handleDataChannelMessage(dc *webrtc.DataChannel, raw []byte) {
	var msg dataChannelMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("session controller: malformed data channel message", "error", err)
		return
	}

	switch {
	case msg.Ping != nil:
		reply, err := json.Marshal(dataChannelMessage{Pong: &dataChannelTimestamp{TimestampMs: msg.Ping.TimestampMs}})
		if err != nil {
			slog.Warn("session controller: failed to marshal pong", "error", err)
			return
		}
		if err := dc.SendText(string(reply)); err != nil {
			slog.Warn("session controller: failed to send pong", "error", err)
		}
	case msg.Pong != nil:
		// Ignored: the host only tracks its own ping cadence.
	default:
		c.emit(ControllerEvent{Kind: "Input", InputPayload: raw})
	}
}

func (c *SessionController) dataChannelPingLoop(dc *webrtc.DataChannel) {
	ticker := time.NewTicker(dataChannelPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if c.dcClosed.Load() {
			return
		}
		payload, _ := json.Marshal(dataChannelMessage{Ping: &dataChannelTimestamp{TimestampMs: uint64(time.Now().UnixMilli())}})
		if err := dc.SendText(string(payload)); err != nil {
			return
		}
	}
}

func (c *SessionController) onConnectionStateChange(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.setReady(true)
		c.emit(ControllerEvent{Kind: "RequestKeyframe"})
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.setReady(false)
	}
}

// onICEConnectionStateChange is the primary readiness authority (spec
// §4.7): Connected/Completed always wins a race against a pending grace
// timer, enforced by an epoch counter captured when the timer is armed.
func (c *SessionController) onICEConnectionStateChange(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.cancelGrace()
		wasReady := c.connReady.Swap(true)
		if !wasReady || c.firstConnected.CompareAndSwap(false, true) {
			c.emit(ControllerEvent{Kind: "RequestKeyframe"})
		}
	case webrtc.ICEConnectionStateDisconnected:
		if c.connReady.Load() {
			c.armGrace()
		}
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		c.cancelGrace()
		c.setReady(false)
	}
}

func (c *SessionController) setReady(ready bool) {
	c.connReady.Store(ready)
}

// armGrace starts a 5s grace window during which connection_ready stays
// true. Re-entry to Connected/Completed before expiry cancels it via the
// epoch counter, so a racing expiry callback that already fired before
// cancellation can be recognized as stale and ignored.
func (c *SessionController) armGrace() {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	if c.graceActive {
		return
	}
	c.graceActive = true
	epoch := c.readyEpoch.Add(1)
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = time.AfterFunc(iceDisconnectGrace, func() {
		c.graceMu.Lock()
		if c.graceActive && c.readyEpoch.Load() == epoch {
			c.graceActive = false
			c.setReady(false)
		}
		c.graceMu.Unlock()
	})
}

func (c *SessionController) cancelGrace() {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	c.readyEpoch.Add(1)
	c.graceActive = false
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}
