package hub

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tymbal-dev/tymbal/internal/auth"
	"github.com/tymbal-dev/tymbal/internal/store"
	"github.com/tymbal-dev/tymbal/pkg/wire"
)

// ServeRuntimeWS upgrades req and runs the runtime's control-channel
// read loop until disconnect, handing every frame to handler.
func (h *Hub) ServeRuntimeWS(w http.ResponseWriter, req *http.Request, verifier auth.RuntimeVerifier, handler RuntimeMessageHandler) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("runtime websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.maxRuntimeMsgBytes)

	_, msg, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn("runtime_ready read failed", "error", err)
		return
	}
	var env wire.Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Type != wire.TypeRuntimeReady {
		h.logger.Warn("expected runtime_ready", "error", err, "type", env.Type)
		return
	}
	payload, _ := json.Marshal(env.Payload)
	var ready wire.RuntimeReady
	if err := json.Unmarshal(payload, &ready); err != nil {
		h.logger.Warn("invalid runtime_ready payload", "error", err)
		return
	}

	token := req.URL.Query().Get("token")
	if !verifier.ValidateRuntimeToken(ready.RuntimeID, token) {
		h.sendError(conn, wire.ErrAuthFailed, "invalid runtime credentials")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid runtime credentials"))
		h.logger.Warn("runtime rejected", "runtime_id", ready.RuntimeID)
		return
	}

	ctx := req.Context()
	var machineInfo json.RawMessage
	if ready.MachineInfo != nil {
		machineInfo, _ = json.Marshal(ready.MachineInfo)
	}
	runtimeID, err := handler.ResolveRuntime(ctx, ready.RuntimeID, ready.SpaceID, ready.Name, machineInfo)
	if err != nil {
		h.sendError(conn, wire.ErrRegistrationFailed, err.Error())
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "registration failed"))
		h.logger.Warn("runtime registration failed", "runtime_id", ready.RuntimeID, "error", err)
		return
	}

	h.RegisterRuntime(runtimeID, conn)
	h.sendEnvelope(conn, wire.TypeRuntimeConnected, wire.RuntimeConnected{RuntimeID: runtimeID, ProtocolVersion: wire.ProtocolVersion})
	h.logger.Info("runtime connected", "runtime_id", runtimeID, "name", ready.Name)

	defer func() {
		h.UnregisterRuntime(runtimeID)
		handler.HandleRuntimeDisconnect(ctx, runtimeID)
		h.logger.Info("runtime disconnected", "runtime_id", runtimeID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("runtime read error", "runtime_id", runtimeID, "error", err)
			return
		}
		h.TouchRuntime(runtimeID)
		handler.HandleRuntimeMessage(ctx, runtimeID, raw)
	}
}

// ServeClientWS upgrades req and runs a subscribed client's read loop
// until disconnect. Authentication happens before upgrade since browsers
// cannot set custom headers during the WebSocket handshake; the bearer
// token travels as a query parameter and must be scrubbed from access
// logs upstream.
func (h *Hub) ServeClientWS(w http.ResponseWriter, req *http.Request, verifier auth.ClientVerifier, handler ClientMessageHandler) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}

	identity, err := verifier.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &ClientConn{
		ID:       uuid.New().String(),
		UserID:   identity.UserID,
		Username: identity.Username,
		Role:     identity.Role,
		SpaceID:  identity.SpaceID,
	}
	if !h.AddClient(conn, c, store.PendingChannelID) {
		h.logger.Warn("too many connections for user", "user", identity.Username)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	h.logger.Info("client connected", "user", identity.Username, "conn_id", c.ID)

	ctx := req.Context()
	handler.HandleClientConnect(ctx, c)
	defer func() {
		h.RemoveClient(c.ID)
		handler.HandleClientDisconnect(ctx, c)
		h.logger.Info("client disconnected", "user", identity.Username, "conn_id", c.ID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("client read error", "conn_id", c.ID, "error", err)
			return
		}
		handler.HandleClientMessage(ctx, c, raw)
	}
}

func (h *Hub) sendEnvelope(conn *websocket.Conn, msgType string, payload any) {
	env := wire.Envelope{Type: msgType, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal envelope failed", "type", msgType, "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		h.logger.Debug("write envelope failed", "type", msgType, "error", err)
	}
}

func (h *Hub) sendError(conn *websocket.Conn, code, message string) {
	raw, err := json.Marshal(wire.ErrorEnvelope{Error: code, Message: message})
	if err != nil {
		h.logger.Error("marshal error envelope failed", "code", code, "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		h.logger.Debug("write error envelope failed", "code", code, "error", err)
	}
}
