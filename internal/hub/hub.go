// Package hub is the connection hub (component C): it owns the
// lifecycle of every WebSocket connection — runtime control channels and
// human client subscriptions — and the channel-partitioned broadcast
// fanout between them. Message interpretation is delegated to injected
// handlers so this package stays pure transport-and-bookkeeping, mirroring
// the teacher's router/hub split.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RuntimeMessageHandler processes one raw frame received from a runtime's
// control channel.
type RuntimeMessageHandler interface {
	// ResolveRuntime performs the store-level lookup/reclaim/create that
	// spec.md §4.4's runtime_ready handling requires (lookup by id, else
	// by (spaceId, name), else create) and returns the effective runtime
	// id the hub should register the connection under.
	ResolveRuntime(ctx context.Context, runtimeID, spaceID, name string, machineInfo json.RawMessage) (string, error)
	HandleRuntimeMessage(ctx context.Context, runtimeID string, raw []byte)
	HandleRuntimeDisconnect(ctx context.Context, runtimeID string)
}

// ClientMessageHandler processes one raw frame received from a
// subscribed client.
type ClientMessageHandler interface {
	// HandleClientConnect is called once a client's connection has been
	// accepted into the hub's connection map, for any durable
	// bookkeeping (e.g. a connections-table row) the handler wants to
	// keep in sync with the in-memory registration.
	HandleClientConnect(ctx context.Context, c *ClientConn)
	HandleClientMessage(ctx context.Context, c *ClientConn, raw []byte)
	HandleClientDisconnect(ctx context.Context, c *ClientConn)
}

// Fanout delivers a broadcast to every hub process subscribed to a
// channel, not just the one that received it. A LocalFanout is the
// single-process default; NATSFanout crosses process boundaries.
type Fanout interface {
	Publish(ctx context.Context, channelID string, frame []byte) error
	Subscribe(onMessage func(channelID string, frame []byte)) error
	Close() error
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// RuntimeConn is a registered runtime's control-channel socket.
type RuntimeConn struct {
	ID   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (r *RuntimeConn) send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// ClientConn is a subscribed client's socket.
type ClientConn struct {
	ID        string
	UserID    string
	Username  string
	Role      string
	SpaceID   string
	ChannelID string // store.PendingChannelID until the client switches

	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *ClientConn) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Options configures a Hub.
type Options struct {
	AllowedOrigins     []string
	MaxClientMsgBytes  int64
	MaxRuntimeMsgBytes int64
	MaxConnsPerUser    int
	RuntimeIdleTimeout time.Duration
}

// Hub tracks every live connection and routes broadcasts between them.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	fanout   Fanout
	tracer   trace.Tracer

	maxClientMsgBytes  int64
	maxRuntimeMsgBytes int64
	maxConnsPerUser    int
	runtimeIdleTimeout time.Duration

	mu            sync.RWMutex
	runtimes      map[string]*RuntimeConn            // runtime_id -> conn
	clients       map[string]*ClientConn             // conn_id -> conn
	byChannel     map[string]map[string]*ClientConn  // channel_id -> conn_id -> conn
	connsByUser   map[string]int
	lastRuntimeIO map[string]time.Time
}

// New creates a Hub. fanout may be nil, in which case broadcasts are
// delivered only within this process (LocalFanout semantics).
func New(logger *slog.Logger, fanout Fanout, opts Options) *Hub {
	clientLimit := opts.MaxClientMsgBytes
	if clientLimit == 0 {
		clientLimit = 64 * 1024
	}
	runtimeLimit := opts.MaxRuntimeMsgBytes
	if runtimeLimit == 0 {
		runtimeLimit = 1024 * 1024
	}
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}
	idleTimeout := opts.RuntimeIdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 90 * time.Second
	}

	h := &Hub{
		logger:             logger.With("component", "hub"),
		upgrader:           makeUpgrader(opts.AllowedOrigins),
		fanout:             fanout,
		tracer:             otel.Tracer("github.com/tymbal-dev/tymbal/internal/hub"),
		maxClientMsgBytes:  clientLimit,
		maxRuntimeMsgBytes: runtimeLimit,
		maxConnsPerUser:    maxConns,
		runtimeIdleTimeout: idleTimeout,
		runtimes:           make(map[string]*RuntimeConn),
		clients:            make(map[string]*ClientConn),
		byChannel:          make(map[string]map[string]*ClientConn),
		connsByUser:        make(map[string]int),
		lastRuntimeIO:      make(map[string]time.Time),
	}

	if fanout != nil {
		if err := fanout.Subscribe(h.deliverLocal); err != nil {
			h.logger.Error("fanout subscribe failed", "error", err)
		}
	}
	return h
}

// RegisterRuntime installs rc as the connection for runtime id, closing
// any prior connection for the same id (the newest connection wins, per
// spec.md §5's reconnect policy).
func (h *Hub) RegisterRuntime(id string, conn *websocket.Conn) *RuntimeConn {
	conn.SetReadLimit(h.maxRuntimeMsgBytes)
	rc := &RuntimeConn{ID: id, conn: conn}

	h.mu.Lock()
	if existing, ok := h.runtimes[id]; ok {
		h.logger.Warn("runtime reconnect, closing previous connection", "runtime_id", id)
		_ = existing.conn.Close()
	}
	h.runtimes[id] = rc
	h.lastRuntimeIO[id] = time.Now()
	h.mu.Unlock()
	return rc
}

// UnregisterRuntime removes a runtime's connection.
func (h *Hub) UnregisterRuntime(id string) {
	h.mu.Lock()
	delete(h.runtimes, id)
	delete(h.lastRuntimeIO, id)
	h.mu.Unlock()
}

// TouchRuntime records that a runtime produced traffic just now, for the
// idle reaper.
func (h *Hub) TouchRuntime(id string) {
	h.mu.Lock()
	h.lastRuntimeIO[id] = time.Now()
	h.mu.Unlock()
}

// SendToRuntime writes a raw frame to a runtime's control channel.
func (h *Hub) SendToRuntime(runtimeID string, data []byte) error {
	h.mu.RLock()
	rc, ok := h.runtimes[runtimeID]
	h.mu.RUnlock()
	if !ok {
		return errNotConnected(runtimeID)
	}
	return rc.send(data)
}

// IsRuntimeConnected reports whether a runtime currently has a live
// control-channel connection registered.
func (h *Hub) IsRuntimeConnected(runtimeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.runtimes[runtimeID]
	return ok
}

// SendToClient writes a raw frame directly to one subscribed client,
// bypassing channel broadcast (used for sync-request replay).
func (h *Hub) SendToClient(connID string, data []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return errNotConnected(connID)
	}
	return c.send(data)
}

// AddClient registers a newly-upgraded client connection in the pending
// (unsubscribed) channel, enforcing the per-user connection cap.
func (h *Hub) AddClient(conn *websocket.Conn, c *ClientConn, pendingChannelID string) bool {
	conn.SetReadLimit(h.maxClientMsgBytes)
	c.conn = conn
	c.ChannelID = pendingChannelID

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxConnsPerUser > 0 && h.connsByUser[c.UserID] >= h.maxConnsPerUser {
		return false
	}
	h.clients[c.ID] = c
	h.connsByUser[c.UserID]++
	h.subscribeLocked(c, pendingChannelID)
	return true
}

// SwitchChannel moves a client from its current channel to channelID.
func (h *Hub) SwitchChannel(connID, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	h.unsubscribeLocked(c)
	c.ChannelID = channelID
	h.subscribeLocked(c, channelID)
}

// RemoveClient removes a client connection entirely (disconnect).
func (h *Hub) RemoveClient(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	h.unsubscribeLocked(c)
	delete(h.clients, connID)
	if h.connsByUser[c.UserID] > 0 {
		h.connsByUser[c.UserID]--
	}
}

func (h *Hub) subscribeLocked(c *ClientConn, channelID string) {
	set, ok := h.byChannel[channelID]
	if !ok {
		set = make(map[string]*ClientConn)
		h.byChannel[channelID] = set
	}
	set[c.ID] = c
}

func (h *Hub) unsubscribeLocked(c *ClientConn) {
	if set, ok := h.byChannel[c.ChannelID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.byChannel, c.ChannelID)
		}
	}
}

// ChannelUsernames returns the distinct usernames of every client
// currently subscribed to channelID, for mention routing's "known user"
// check (spec.md §4.2's mentions ∩ (agents ∪ users) rule).
func (h *Hub) ChannelUsernames(channelID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byChannel[channelID]
	seen := make(map[string]bool, len(set))
	names := make([]string, 0, len(set))
	for _, c := range set {
		if c.Username == "" || seen[c.Username] {
			continue
		}
		seen[c.Username] = true
		names = append(names, c.Username)
	}
	return names
}

// Broadcast delivers a raw frame to every client subscribed to channelID
// in this process, and publishes it through the fanout for any peer
// processes.
func (h *Hub) Broadcast(ctx context.Context, channelID string, data []byte) {
	ctx, span := h.tracer.Start(ctx, "hub.Broadcast", trace.WithAttributes(
		attribute.String("channel_id", channelID),
		attribute.Int("bytes", len(data)),
	))
	defer span.End()

	h.deliverLocal(channelID, data)
	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, channelID, data); err != nil {
			span.RecordError(err)
			h.logger.Warn("fanout publish failed", "channel_id", channelID, "error", err)
		}
	}
}

func (h *Hub) deliverLocal(channelID string, data []byte) {
	h.mu.RLock()
	set := h.byChannel[channelID]
	targets := make([]*ClientConn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var stale []*ClientConn
	for _, c := range targets {
		if err := c.send(data); err != nil {
			h.logger.Debug("client send failed, removing stale connection", "conn_id", c.ID, "error", err)
			stale = append(stale, c)
		}
	}
	if len(stale) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range stale {
		h.unsubscribeLocked(c)
		delete(h.clients, c.ID)
		if h.connsByUser[c.UserID] > 0 {
			h.connsByUser[c.UserID]--
		}
	}
	h.mu.Unlock()

	// Unblock the read loop so ws.go's deferred cleanup (handler
	// disconnect notification) still runs; the map removal above already
	// made the connection invisible to getChannelConnections/SendToClient.
	for _, c := range stale {
		_ = c.conn.Close()
	}
}

// StartIdleReaper closes runtime connections that haven't produced
// traffic within timeout, checking every interval. It self-heals: a
// stale map entry left behind by a connection that died without a
// clean close is removed on the same pass.
func (h *Hub) StartIdleReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.reapIdleRuntimes()
			}
		}
	}()
}

func (h *Hub) reapIdleRuntimes() {
	now := time.Now()
	h.mu.Lock()
	var stale []string
	for id, last := range h.lastRuntimeIO {
		if now.Sub(last) > h.runtimeIdleTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if rc, ok := h.runtimes[id]; ok {
			_ = rc.conn.Close()
		}
		delete(h.runtimes, id)
		delete(h.lastRuntimeIO, id)
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.logger.Info("reaped idle runtime", "runtime_id", id)
	}
}

// CloseAll closes every registered runtime and client connection and
// clears the hub's bookkeeping, for graceful shutdown (spec.md §5:
// "the hub closes all connections"). It does not wait for the owning
// read loops to observe the close; those loops' own deferred
// unregister/disconnect paths run as each closed conn's ReadMessage
// call returns its error.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	runtimes := make([]*RuntimeConn, 0, len(h.runtimes))
	for _, rc := range h.runtimes {
		runtimes = append(runtimes, rc)
	}
	clients := make([]*ClientConn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.runtimes = make(map[string]*RuntimeConn)
	h.clients = make(map[string]*ClientConn)
	h.byChannel = make(map[string]map[string]*ClientConn)
	h.connsByUser = make(map[string]int)
	h.lastRuntimeIO = make(map[string]time.Time)
	h.mu.Unlock()

	for _, rc := range runtimes {
		_ = rc.conn.Close()
	}
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

type notConnectedError struct{ id string }

func (e *notConnectedError) Error() string { return "runtime not connected: " + e.id }

func errNotConnected(id string) error { return &notConnectedError{id: id} }
