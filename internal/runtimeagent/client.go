// Package runtimeagent is the runtime-side counterpart to
// internal/runtimeproto: it dials the hub's control channel, completes
// the runtime_ready handshake, and dispatches activate/message/suspend
// commands to the engine supervisor, publishing every state change onto
// the runtime's own event bus for the status dashboard.
package runtimeagent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tymbal-dev/tymbal/internal/config"
	"github.com/tymbal-dev/tymbal/pkg/wire"
)

// MessageHandler processes one envelope received from the hub.
type MessageHandler func(env wire.Envelope) error

// StateChangeHandler is notified whenever the connection transitions
// between connected, reconnecting, and disconnected.
type StateChangeHandler func(connected, reconnecting bool)

// Client owns the runtime's single outbound WebSocket connection to the
// hub's control channel.
type Client struct {
	cfg       config.HubConnConfig
	runtimeID string
	spaceID   string
	name      string
	handler   MessageHandler
	onState   StateChangeHandler
	logger    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient builds a Client. handler is called for every envelope the
// hub sends except runtime_connected and ping, which the client
// answers itself.
func NewClient(cfg config.HubConnConfig, runtimeID, spaceID, name string, handler MessageHandler, logger *slog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		runtimeID: runtimeID,
		spaceID:   spaceID,
		name:      name,
		handler:   handler,
		logger:    logger.With("component", "runtimeagent-client"),
	}
}

// SetStateChangeHandler registers a callback for connectivity changes.
func (c *Client) SetStateChangeHandler(fn StateChangeHandler) {
	c.onState = fn
}

// Connect dials the hub and serves the control channel until ctx is
// canceled, reconnecting with backoff (bounded by MaxReconnectDelay) on
// every disconnect.
func (c *Client) Connect(ctx context.Context) error {
	delay := c.cfg.ReconnectInterval.Duration
	if delay <= 0 {
		delay = 2 * time.Second
	}
	maxDelay := c.cfg.MaxReconnectDelay.Duration
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.connectOnce(ctx)
		c.setConnected(false, true)
		if err != nil {
			c.logger.Warn("hub connection lost", "error", err)
		}

		select {
		case <-ctx.Done():
			c.setConnected(false, false)
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) setConnected(connected, reconnecting bool) {
	if c.onState != nil {
		c.onState(connected, reconnecting)
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	dialURL, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := dialer.DialContext(ctx, dialURL, http.Header{})
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	ready := wire.RuntimeReady{RuntimeID: c.runtimeID, SpaceID: c.spaceID, Name: c.name}
	if err := c.sendEnvelope(wire.TypeRuntimeReady, ready); err != nil {
		return fmt.Errorf("send runtime_ready: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read runtime_connected: %w", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Type != wire.TypeRuntimeConnected {
		return fmt.Errorf("expected runtime_connected, got type=%q err=%v", env.Type, err)
	}

	c.logger.Info("connected to hub", "url", c.cfg.URL)
	c.setConnected(true, false)

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}

		if env.Type == wire.TypePing {
			_ = c.sendEnvelope(wire.TypePong, wire.Pong{Timestamp: time.Now().UTC().Format(time.RFC3339)})
			continue
		}

		if err := c.handler(env); err != nil {
			c.logger.Warn("handler error", "type", env.Type, "error", err)
		}
	}
}

// Send marshals payload as a msgType envelope and writes it to the
// current connection; an error if not currently connected.
func (c *Client) Send(msgType string, payload any) error {
	return c.sendEnvelope(msgType, payload)
}

func (c *Client) sendEnvelope(msgType string, payload any) error {
	data, err := json.Marshal(wire.Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
