// Package ws is the broadcast sink: a bounded set of authenticated WebSocket
// clients per channel. Fan-out iterates a snapshot of the client set, sends
// in bounded batches with a hard per-client timeout, and evicts on failure.
package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/metrics"
)

// Envelope is the wire frame for every non-heartbeat message
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	TS   int64           `json:"ts"`
}

// authFrame is the required first client frame
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Heartbeats are literal strings, not envelopes
const (
	pingFrame = "ping"
	pongFrame = "pong"

	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Gorilla message type for text frames, kept here so the Conn interface does
// not drag the websocket package into tests
const textMessage = 1

// Conn is the transport surface the hub needs; *websocket.Conn satisfies it
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// client is one authenticated connection
type client struct {
	id      string
	conn    Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { _ = c.conn.Close() })
}

// send writes one frame under the per-client write deadline
func (c *client) send(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(textMessage, data)
}

// Hub owns one channel's client set
type Hub struct {
	name   string
	cfg    config.WSConfig
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub creates a hub for one broadcast channel ("market" or "signals")
func NewHub(name string, cfg config.WSConfig) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 50
	}
	if cfg.SendTimeoutMS <= 0 {
		cfg.SendTimeoutMS = 2000
	}
	if cfg.SendBatchSize <= 0 {
		cfg.SendBatchSize = 10
	}
	if cfg.AuthTimeoutSec <= 0 {
		cfg.AuthTimeoutSec = 5
	}
	return &Hub{
		name:    name,
		cfg:     cfg,
		logger:  config.NewLogger("ws").With().Str("channel", name).Logger(),
		clients: make(map[*client]bool),
	}
}

var (
	errUnauthorized = errors.New("ws: bad or missing auth frame")
	errHubFull      = errors.New("ws: client cap reached")
)

// Serve authenticates the connection and then runs its read loop until the
// peer goes away. The caller owns the goroutine; Serve closes the transport
// on every exit path.
func (h *Hub) Serve(conn Conn) error {
	c := &client{id: uuid.NewString(), conn: conn}

	if err := h.authenticate(c); err != nil {
		c.close()
		metrics.WSEvictionsTotal.WithLabelValues("unauthorized").Inc()
		h.logger.Warn().Err(err).Msg("Client rejected")
		return err
	}

	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxClients {
		h.mu.Unlock()
		c.close()
		metrics.WSEvictionsTotal.WithLabelValues("cap").Inc()
		h.logger.Warn().Int("cap", h.cfg.MaxClients).Msg("Client cap reached, connection refused")
		return errHubFull
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WSClients.WithLabelValues(h.name).Set(float64(count))
	h.logger.Info().Str("client_id", c.id).Int("clients", count).Msg("Client connected")

	h.readLoop(c)
	h.remove(c, "closed")
	return nil
}

// authenticate requires {type:"auth",token} as the first frame
func (h *Hub) authenticate(c *client) error {
	deadline := time.Now().Add(time.Duration(h.cfg.AuthTimeoutSec) * time.Second)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	var auth authFrame
	if err := json.Unmarshal(frame, &auth); err != nil {
		return errUnauthorized
	}
	if auth.Type != "auth" || h.cfg.Token == "" || auth.Token != h.cfg.Token {
		return errUnauthorized
	}
	return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
}

// readLoop consumes client frames: literal pongs refresh the read deadline,
// literal pings get a pong envelope back. Anything else is ignored.
func (h *Hub) readLoop(c *client) {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch string(frame) {
		case pongFrame:
			if err := c.conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
				return
			}
		case pingFrame:
			env, err := envelope("pong", struct{}{})
			if err == nil {
				_ = c.send(env, h.sendTimeout())
			}
		}
	}
}

// Broadcast fans one envelope out to a snapshot of the client set. Slow or
// dead clients are evicted; the rest complete normally.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	frame, err := envelope(msgType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal broadcast")
		return
	}

	h.mu.Lock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	sem := make(chan struct{}, h.cfg.SendBatchSize)
	var wg sync.WaitGroup
	for _, c := range snapshot {
		wg.Add(1)
		sem <- struct{}{}
		go func(c *client) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.send(frame, h.sendTimeout()); err != nil {
				h.remove(c, "send-timeout")
			}
		}(c)
	}
	wg.Wait()
}

// RunHeartbeat pings every client until stop is closed
func (h *Hub) RunHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.Lock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		if err := c.send([]byte(pingFrame), h.sendTimeout()); err != nil {
			h.remove(c, "ping-failed")
		}
	}
}

// Count returns the connected client count
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll evicts every client (shutdown)
func (h *Hub) CloseAll() {
	h.mu.Lock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	for _, c := range snapshot {
		c.close()
	}
	metrics.WSClients.WithLabelValues(h.name).Set(0)
}

func (h *Hub) remove(c *client, cause string) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	if !present {
		return
	}
	metrics.WSClients.WithLabelValues(h.name).Set(float64(count))
	if cause != "closed" {
		metrics.WSEvictionsTotal.WithLabelValues(cause).Inc()
	}
	h.logger.Info().Str("client_id", c.id).Str("cause", cause).Int("clients", count).Msg("Client removed")
}

func (h *Hub) sendTimeout() time.Duration {
	return time.Duration(h.cfg.SendTimeoutMS) * time.Millisecond
}

func envelope(msgType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw, TS: time.Now().UnixMilli()})
}
