// Package signaling implements the host side of the WebSocket signaling
// transport: a single long-lived text-frame connection to the signaling
// server, parameterized by session_id and role=host, carrying the
// offer/answer/ice_candidate/error message schema.
package signaling

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryoha000/remotedesktopd/internal/logging"
)

var log = logging.L("signaling")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3

	// MaxReconnectAttempts bounds the reconnect loop. Unlike an RMM control
	// channel, a signaling session has no value once the viewer has given
	// up waiting, so reconnects are capped rather than retried forever.
	MaxReconnectAttempts = 10
)

// ErrMaxReconnectAttemptsExceeded is returned by Run when the reconnect loop
// gives up after MaxReconnectAttempts consecutive failures. Callers should
// treat this as SignalingFatal.
var ErrMaxReconnectAttemptsExceeded = fmt.Errorf("signaling: exceeded %d reconnect attempts", MaxReconnectAttempts)

// Message is the tagged union of inbound/outbound signaling wire messages
// (spec §6.1). Only the fields relevant to a given Type are populated.
type Message struct {
	Type           string `json:"type"`
	SDP            string `json:"sdp,omitempty"`
	Codec          string `json:"codec,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	NegotiationID  string `json:"negotiation_id,omitempty"`
	Candidate      string `json:"candidate,omitempty"`
	SDPMid         string `json:"sdp_mid,omitempty"`
	SDPMLineIndex  *int   `json:"sdp_mline_index,omitempty"`
	ErrorMessage   string `json:"message,omitempty"`
}

const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeError        = "error"
)

// Config holds the signaling client configuration.
type Config struct {
	URL       string // base ws(s):// or http(s):// URL of the signaling server
	SessionID string
}

// Handler is invoked for every inbound message on the client's goroutine.
// It must not block for long; session controller handlers should hand work
// off to their own goroutines when the work is non-trivial.
type Handler func(msg Message)

// Client manages the host's WebSocket connection to the signaling server,
// reconnecting with exponential backoff up to MaxReconnectAttempts.
type Client struct {
	cfg     Config
	handler Handler

	connMu sync.RWMutex
	conn   *websocket.Conn

	done     chan struct{}
	sendChan chan []byte
	stopOnce sync.Once

	runningMu sync.RWMutex
	isRunning bool
}

// New creates a signaling client bound to cfg, delivering inbound messages
// to handler.
func New(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:      cfg,
		handler:  handler,
		done:     make(chan struct{}),
		sendChan: make(chan []byte, 64),
	}
}

// Run connects and services the connection until Stop is called or the
// reconnect budget is exhausted; a connection that drops or is closed by
// the server is redialed. It blocks until one of those happens and returns
// the terminal error, if any (nil after Stop).
func (c *Client) Run() error {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return fmt.Errorf("signaling client already running")
	}
	c.isRunning = true
	c.runningMu.Unlock()

	return c.reconnectLoop()
}

// Stop gracefully closes the connection and unblocks Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

// Send enqueues msg for delivery. Non-blocking: returns an error if the
// client is stopped or the send queue is full.
func (c *Client) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling client stopped")
	default:
		return fmt.Errorf("signaling send queue full")
	}
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("session_id", c.cfg.SessionID)
	q.Set("role", "host")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build signaling URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected", "url", c.cfg.URL, "sessionId", c.cfg.SessionID)
	return nil
}

func (c *Client) reconnectLoop() error {
	backoff := initialBackoff
	attempt := 0

	for {
		select {
		case <-c.done:
			return nil
		default:
		}

		if err := c.connect(); err != nil {
			attempt++
			if attempt >= MaxReconnectAttempts {
				log.Error("giving up after max reconnect attempts", "attempts", attempt, "error", err)
				return ErrMaxReconnectAttemptsExceeded
			}

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Warn("connection failed, retrying", "attempt", attempt, "delay", sleep, "error", err)
			select {
			case <-c.done:
				return nil
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// A successful connection resets both the backoff and the attempt
		// counter: only consecutive failures count toward the cap.
		backoff = initialBackoff
		attempt = 0

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return nil
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("malformed signaling message", "error", err)
			continue
		}

		c.handler(msg)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case data := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
