// Package notify pushes job status updates to users over WebSocket.
//
// A client connects to the hub, receives a "connection" greeting and must
// send {"type":"auth","token":"..."} within the auth timeout. Until then any
// other message is ignored. Once authenticated the socket is registered
// under its user and receives every notification addressed to that user.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/driftwatch/internal/logging"
	"github.com/kiranshivaraju/driftwatch/internal/metrics"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*models.Identity, error)
}

// Options configure a Hub.
type Options struct {
	AuthTimeout    time.Duration
	AllowedOrigins []string
	ConnRPS        float64
	ConnBurst      int
}

type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// userEntry holds one user's live connections. Its mutex serializes every
// registry change for that user.
type userEntry struct {
	mu      sync.Mutex
	conns   map[string]*conn
	removed bool
}

// Hub is the registry of authenticated connections, keyed by user.
type Hub struct {
	verifier Verifier
	opts     Options
	limiter  *ipLimiter
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	users map[uuid.UUID]*userEntry
}

// NewHub creates a Hub.
func NewHub(verifier Verifier, opts Options, logger *slog.Logger) *Hub {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.ConnRPS <= 0 {
		opts.ConnRPS = 5
	}
	if opts.ConnBurst <= 0 {
		opts.ConnBurst = 10
	}
	h := &Hub{
		verifier: verifier,
		opts:     opts,
		limiter:  newIPLimiter(opts.ConnRPS, opts.ConnBurst),
		logger:   logger.With("component", "notify"),
		users:    make(map[uuid.UUID]*userEntry),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows requests without an Origin header (non-browser
// clients) and, when an allowlist is configured, only listed origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	if slices.Contains(h.opts.AllowedOrigins, origin) {
		return true
	}
	h.logger.Warn("rejecting websocket origin", "origin", origin)
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.limiter.Allow(ip) {
		h.logger.Warn("websocket rate limit exceeded", "ip", ip)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"too many connection attempts"}}`))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "ip", ip, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	c := newConn(ws)
	go c.writeLoop()
	defer c.terminate()

	h.sendTo(c, models.NotificationMessage{
		Type: models.MessageTypeConnection,
		Data: models.NotificationData{Message: "connected; send an auth message to subscribe"},
	})

	if !h.authenticate(r.Context(), c) {
		h.waitClosed(c)
		return
	}

	h.register(c)
	defer h.unregister(c)

	success := true
	h.sendTo(c, models.NotificationMessage{
		Type: models.MessageTypeAuthenticated,
		Data: models.NotificationData{UserID: c.userID.String(), Success: &success},
	})
	h.logger.Info("websocket authenticated", "user_id", c.userID, "conn_id", c.id)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed unexpectedly", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

// authenticate reads messages until a valid auth message arrives or the
// auth window expires. On failure it queues an error and a policy-violation
// close and returns false.
func (h *Hub) authenticate(ctx context.Context, c *conn) bool {
	deadline := time.Now().Add(h.opts.AuthTimeout)
	_ = c.ws.SetReadDeadline(deadline)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.reject(c, "authentication timeout")
			} else {
				c.terminate()
			}
			return false
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" {
			continue
		}

		vctx, cancel := context.WithDeadline(ctx, deadline)
		identity, err := h.verifier.Verify(vctx, msg.Token)
		cancel()
		if err != nil || identity == nil {
			h.logger.Info("websocket authentication failed",
				"conn_id", c.id, "token", logging.SanitizeToken(msg.Token), "error", err)
			h.reject(c, "authentication failed")
			return false
		}

		c.userID = identity.UserID
		return true
	}
}

func (h *Hub) reject(c *conn, reason string) {
	h.sendTo(c, models.NotificationMessage{
		Type: models.MessageTypeError,
		Data: models.NotificationData{Message: reason},
	})
	c.closeWith(websocket.ClosePolicyViolation, reason)
}

// waitClosed lets the writer flush a queued close frame before the handler
// returns and the socket is torn down.
func (h *Hub) waitClosed(c *conn) {
	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
}

func (h *Hub) sendTo(c *conn, msg models.NotificationMessage) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode notification", "error", err)
		return false
	}
	return c.enqueue(payload)
}

func (h *Hub) register(c *conn) {
	for {
		h.mu.Lock()
		e, ok := h.users[c.userID]
		if !ok {
			e = &userEntry{conns: make(map[string]*conn)}
			h.users[c.userID] = e
		}
		h.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// Lost a race with the last disconnect; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		e.conns[c.id] = c
		e.mu.Unlock()
		metrics.WebSocketConnections.Inc()
		return
	}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	e, ok := h.users[c.userID]
	h.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.conns[c.id]; !ok {
		return
	}
	delete(e.conns, c.id)
	metrics.WebSocketConnections.Dec()
	if len(e.conns) == 0 {
		h.dropEntry(c.userID, e)
	}
}

// dropEntry deletes an empty entry. The caller holds e.mu.
func (h *Hub) dropEntry(userID uuid.UUID, e *userEntry) {
	e.removed = true
	h.mu.Lock()
	if h.users[userID] == e {
		delete(h.users, userID)
	}
	h.mu.Unlock()
}

func (h *Hub) snapshot(userID uuid.UUID) []*conn {
	h.mu.Lock()
	e, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// NotifyUser delivers msg to every open connection of userID. Delivery is
// best effort: if the user has no open connection the message is dropped.
func (h *Hub) NotifyUser(userID uuid.UUID, msg models.NotificationMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode notification", "user_id", userID, "error", err)
		return
	}

	delivered := 0
	for _, c := range h.snapshot(userID) {
		if c.enqueue(payload) {
			delivered++
		}
	}
	if delivered == 0 {
		metrics.NotificationsSent.WithLabelValues("dropped").Inc()
		h.logger.Debug("no open connections, notification dropped", "user_id", userID, "type", msg.Type)
		return
	}
	metrics.NotificationsSent.WithLabelValues("delivered").Add(float64(delivered))
}

// StatusUpdateMessage builds the notification for a job status change. The
// result is attached only for COMPLETED and the error message only for
// FAILED or ABORTED.
func StatusUpdateMessage(inferenceID uuid.UUID, status models.JobStatus, result json.RawMessage, errMsg string) models.NotificationMessage {
	data := models.NotificationData{
		InferenceID: inferenceID.String(),
		Status:      status,
	}
	switch status {
	case models.JobStatusCompleted:
		data.Result = result
	case models.JobStatusFailed, models.JobStatusAborted:
		data.ErrorMessage = errMsg
	}
	return models.NotificationMessage{
		Type:      models.MessageTypeNotification,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NotifyInferenceStatusUpdate sends a status change to the job's owner.
func (h *Hub) NotifyInferenceStatusUpdate(userID, inferenceID uuid.UUID, status models.JobStatus, result json.RawMessage, errMsg string) {
	h.NotifyUser(userID, StatusUpdateMessage(inferenceID, status, result, errMsg))
}

// ConnectionCount returns the number of open connections for userID.
func (h *Hub) ConnectionCount(userID uuid.UUID) int {
	n := 0
	for _, c := range h.snapshot(userID) {
		if c.isOpen() {
			n++
		}
	}
	return n
}

// TotalConnections returns the number of open connections across users.
func (h *Hub) TotalConnections() int {
	n := 0
	for _, userID := range h.userIDs() {
		n += h.ConnectionCount(userID)
	}
	return n
}

// ConnectedUsers returns the users with at least one open connection.
func (h *Hub) ConnectedUsers() []uuid.UUID {
	var out []uuid.UUID
	for _, userID := range h.userIDs() {
		if h.ConnectionCount(userID) > 0 {
			out = append(out, userID)
		}
	}
	return out
}

func (h *Hub) userIDs() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	return ids
}

// DisconnectUser closes every connection of userID with a normal closure
// and removes the user from the registry.
func (h *Hub) DisconnectUser(userID uuid.UUID) {
	h.mu.Lock()
	e, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.conns {
		c.closeWith(websocket.CloseNormalClosure, "disconnected by server")
		delete(e.conns, id)
		metrics.WebSocketConnections.Dec()
	}
	h.dropEntry(userID, e)
	h.logger.Info("disconnected user", "user_id", userID)
}

// Shutdown closes every connection and stops background work.
func (h *Hub) Shutdown() {
	for _, userID := range h.userIDs() {
		h.DisconnectUser(userID)
	}
	h.limiter.Stop()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
