// Package websocket is the realtime presence and notification gateway.
// Connections authenticate once, register under their user id (one live
// connection per identity) and then receive typed events pushed by the rest
// of the backend. Uses github.com/coder/websocket for the transport.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/zfogg/sidechain/realtime/internal/auth"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName           = "github.com/zfogg/sidechain/realtime/internal/websocket"
	defaultVerifyTimeout = 10 * time.Second
)

// Connect rejection reasons. Every rejection closes the transport.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrVerifyTimeout     = errors.New("credential verification timed out")
	ErrMissingIdentity   = errors.New("credential has no user identity")
	ErrShuttingDown      = errors.New("gateway shutting down")
)

// HubConfig wires a Hub to its collaborators.
type HubConfig struct {
	// Verifier checks connect credentials. Required.
	Verifier auth.Verifier

	// VerifyTimeout bounds a single verification. Defaults to 10s.
	VerifyTimeout time.Duration

	// Registry holds the live connections. A fresh one is created if nil.
	Registry *Registry

	// Metrics defaults to a private registry when nil.
	Metrics *metrics.Metrics

	// PostFanout selects who receives post:new and story:new.
	PostFanout FanoutPolicy

	// Followers resolves audiences for the followers policy.
	Followers FollowerSource
}

// Hub owns the registry of live connections and pushes events to them.
type Hub struct {
	registry      *Registry
	verifier      auth.Verifier
	verifyTimeout time.Duration
	metrics       *metrics.Metrics
	tracer        trace.Tracer

	postFanout FanoutPolicy
	followers  FollowerSource

	stats        Stats
	shuttingDown atomic.Bool
}

// Stats tracks connection statistics for the JSON metrics endpoint.
type Stats struct {
	TotalConnections  atomic.Int64
	Rejected          atomic.Int64
	Superseded        atomic.Int64
	MessagesSent      atomic.Int64
	MessagesDropped   atomic.Int64
	FanoutLookupFails atomic.Int64
}

// NewHub creates a new Hub instance
func NewHub(cfg HubConfig) *Hub {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if cfg.PostFanout == "" {
		cfg.PostFanout = FanoutBroadcast
	}

	return &Hub{
		registry:      cfg.Registry,
		verifier:      cfg.Verifier,
		verifyTimeout: cfg.VerifyTimeout,
		metrics:       cfg.Metrics,
		tracer:        otel.Tracer(tracerName),
		postFanout:    cfg.PostFanout,
		followers:     cfg.Followers,
	}
}

// Connect authenticates a new connection and registers it. On any failure
// the transport is closed and the registry is left untouched. On success
// every other online user receives user:online and the new connection
// receives a users:online snapshot of everyone else.
func (h *Hub) Connect(ctx context.Context, client *Client, credential string) error {
	ctx, span := h.tracer.Start(ctx, "realtime.connect",
		trace.WithAttributes(attribute.String("conn.id", client.ID)))
	defer span.End()

	if h.shuttingDown.Load() {
		return h.reject(span, client, ErrShuttingDown)
	}
	if credential == "" {
		return h.reject(span, client, ErrMissingCredential)
	}
	if !client.transition(StateConnecting, StateVerifying) {
		return ErrClientClosed
	}

	start := time.Now()
	identity, err := h.verify(ctx, credential)
	if err != nil {
		h.metrics.VerifyDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return h.reject(span, client, err)
	}
	h.metrics.VerifyDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	client.setIdentity(identity.UserID, identity.Username)
	span.SetAttributes(attribute.String("user.id", identity.UserID))

	if !client.transition(StateVerifying, StateRegistered) {
		// Peer went away while we were verifying.
		return ErrClientClosed
	}

	previous := h.registry.Register(client)
	if client.IsClosed() || h.shuttingDown.Load() {
		h.rollbackRegistration(client, previous)
		return ErrClientClosed
	}

	h.stats.TotalConnections.Add(1)
	h.metrics.ConnectionsTotal.WithLabelValues("accepted", "").Inc()
	h.metrics.OnlineUsers.Set(float64(h.registry.Len()))

	if previous != nil {
		h.stats.Superseded.Add(1)
		h.metrics.SupersededTotal.Inc()
		logger.Log.Info("Connection superseded",
			logger.WithUserID(identity.UserID),
			zap.String("old_conn_id", previous.ID),
			logger.WithConnID(client.ID))
		go previous.Close(StatusSuperseded, "superseded")
	}

	logger.Log.Info("Client connected",
		logger.WithUserID(identity.UserID),
		logger.WithConnID(client.ID),
		logger.WithIP(client.RemoteAddr),
		zap.Int("online", h.registry.Len()))

	h.broadcastExcept(ctx, UserOnline{UserID: identity.UserID}, identity.UserID)

	others := h.onlineExcept(identity.UserID)
	if err := client.SendEvent(OnlineSnapshot{UserIDs: others}); err != nil {
		h.recordDrop(KindOnlineSnapshot, err)
	} else {
		h.recordDelivered(KindOnlineSnapshot)
	}

	return nil
}

// rollbackRegistration withdraws a client that closed, or met shutdown,
// right after registering. The connection it displaced gets its slot back
// unless the hub is stopping or a newer connection already holds the slot;
// either way it is not left open and unregistered.
func (h *Hub) rollbackRegistration(client, previous *Client) {
	restored := h.registry.Rollback(client, previous)
	if previous == nil {
		return
	}

	switch {
	case h.shuttingDown.Load():
		h.registry.Unregister(previous)
		previous.Close(websocket.StatusGoingAway, "server shutdown")
	case !restored:
		previous.Close(StatusSuperseded, "superseded")
	case previous.IsClosed():
		// Its own disconnect ran while it was out of the registry.
		h.Disconnect(previous)
	}
}

// verify runs the verifier under the configured timeout. A verifier that
// panics or never returns fails the connect instead of the process.
func (h *Hub) verify(ctx context.Context, credential string) (*auth.Identity, error) {
	if h.verifier == nil {
		return nil, fmt.Errorf("%w: no verifier configured", ErrInvalidCredential)
	}

	ctx, cancel := context.WithTimeout(ctx, h.verifyTimeout)
	defer cancel()

	type result struct {
		identity *auth.Identity
		err      error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: verifier panic: %v", ErrInvalidCredential, r)}
			}
		}()
		identity, err := h.verifier.Verify(ctx, credential)
		done <- result{identity: identity, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrVerifyTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, ctx.Err())
	}

	switch {
	case r.err == nil:
	case errors.Is(r.err, ErrInvalidCredential):
		return nil, r.err
	case errors.Is(r.err, auth.ErrTokenMissing):
		return nil, ErrMissingCredential
	case errors.Is(r.err, auth.ErrNoIdentity):
		return nil, ErrMissingIdentity
	case errors.Is(r.err, context.DeadlineExceeded):
		return nil, ErrVerifyTimeout
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, r.err)
	}

	if r.identity == nil || r.identity.UserID == "" {
		return nil, ErrMissingIdentity
	}
	return r.identity, nil
}

func (h *Hub) reject(span trace.Span, client *Client, err error) error {
	reason := rejectReason(err)
	h.stats.Rejected.Add(1)
	h.metrics.ConnectionsTotal.WithLabelValues("rejected", reason).Inc()

	span.RecordError(err)
	span.SetStatus(codes.Error, reason)

	logger.Log.Info("Connection rejected",
		logger.WithConnID(client.ID),
		logger.WithIP(client.RemoteAddr),
		zap.String("reason", reason),
		zap.Error(err))

	code := websocket.StatusPolicyViolation
	if errors.Is(err, ErrShuttingDown) {
		code = websocket.StatusGoingAway
	}
	client.Close(code, reason)
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrVerifyTimeout):
		return "verify_timeout"
	case errors.Is(err, ErrMissingIdentity):
		return "missing_identity"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "invalid_credential"
	}
}

// Disconnect handles the end of a connection. The identity is removed and
// user:offline broadcast only if client is still the registered connection
// for it; a superseded or already-removed client is a no-op.
func (h *Hub) Disconnect(client *Client) {
	client.Close(websocket.StatusNormalClosure, "closing")

	userID := client.userID()
	if userID == "" {
		return
	}

	if !h.registry.Unregister(client) {
		logger.Log.Debug("Stale disconnect ignored",
			logger.WithUserID(userID), logger.WithConnID(client.ID))
		return
	}

	h.metrics.DisconnectsTotal.Inc()
	h.metrics.OnlineUsers.Set(float64(h.registry.Len()))

	logger.Log.Info("Client disconnected",
		logger.WithUserID(userID),
		logger.WithConnID(client.ID),
		zap.Int("online", h.registry.Len()))

	h.Broadcast(context.Background(), UserOffline{UserID: userID})
}

// Broadcast delivers e to every registered connection and returns how many
// accepted it.
func (h *Hub) Broadcast(ctx context.Context, e Event) int {
	return h.broadcastExcept(ctx, e, "")
}

func (h *Hub) broadcastExcept(ctx context.Context, e Event, exceptUserID string) int {
	_, span := h.tracer.Start(ctx, "realtime.broadcast",
		trace.WithAttributes(attribute.String("event.kind", string(e.Kind()))))
	defer span.End()

	frame, err := EncodeEvent(e)
	if err != nil {
		h.encodeFailed(span, e, err)
		return 0
	}

	start := time.Now()
	delivered := 0
	for _, client := range h.registry.Clients() {
		if exceptUserID != "" && client.userID() == exceptUserID {
			continue
		}
		if h.deliver(client, frame, e.Kind()) {
			delivered++
		}
	}

	h.metrics.FanoutDuration.WithLabelValues(string(e.Kind())).Observe(time.Since(start).Seconds())
	h.metrics.FanoutRecipients.WithLabelValues(string(e.Kind())).Observe(float64(delivered))
	span.SetAttributes(attribute.Int("recipients", delivered))
	return delivered
}

// SendToUser delivers e to userID's connection. An offline recipient drops
// the event silently; the return value reports whether it was queued.
func (h *Hub) SendToUser(ctx context.Context, userID string, e Event) bool {
	_, span := h.tracer.Start(ctx, "realtime.send_to_user",
		trace.WithAttributes(
			attribute.String("event.kind", string(e.Kind())),
			attribute.String("user.id", userID),
		))
	defer span.End()

	client, ok := h.registry.Get(userID)
	if !ok {
		h.metrics.EventsDroppedTotal.WithLabelValues(string(e.Kind()), "offline").Inc()
		return false
	}

	frame, err := EncodeEvent(e)
	if err != nil {
		h.encodeFailed(span, e, err)
		return false
	}
	return h.deliver(client, frame, e.Kind())
}

// sendToUsers encodes once and delivers to each listed user that is online.
func (h *Hub) sendToUsers(ctx context.Context, userIDs []string, e Event) int {
	_, span := h.tracer.Start(ctx, "realtime.send_to_users",
		trace.WithAttributes(
			attribute.String("event.kind", string(e.Kind())),
			attribute.Int("audience", len(userIDs)),
		))
	defer span.End()

	frame, err := EncodeEvent(e)
	if err != nil {
		h.encodeFailed(span, e, err)
		return 0
	}

	start := time.Now()
	delivered := 0
	for _, userID := range userIDs {
		client, ok := h.registry.Get(userID)
		if !ok {
			continue
		}
		if h.deliver(client, frame, e.Kind()) {
			delivered++
		}
	}

	h.metrics.FanoutDuration.WithLabelValues(string(e.Kind())).Observe(time.Since(start).Seconds())
	h.metrics.FanoutRecipients.WithLabelValues(string(e.Kind())).Observe(float64(delivered))
	span.SetAttributes(attribute.Int("recipients", delivered))
	return delivered
}

// Dispatch routes a published event locally: to userID when set, otherwise
// to everyone, except that untargeted posts and stories follow the post
// fanout policy. Gateway-owned kinds are rejected.
func (h *Hub) Dispatch(ctx context.Context, userID string, e Event) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	if err := CheckPublishable(e); err != nil {
		return err
	}
	if userID != "" {
		h.SendToUser(ctx, userID, e)
		return nil
	}

	switch ev := e.(type) {
	case PostCreated:
		h.fanout(ctx, ev.AuthorID, ev)
	case StoryCreated:
		h.fanout(ctx, ev.AuthorID, ev)
	default:
		h.Broadcast(ctx, e)
	}
	return nil
}

func (h *Hub) deliver(client *Client, frame []byte, kind Kind) bool {
	if err := client.Send(frame); err != nil {
		h.recordDrop(kind, err)
		if errors.Is(err, ErrSendBufferFull) {
			logger.Log.Warn("Send buffer full, dropping event",
				logger.WithUserID(client.userID()),
				logger.WithConnID(client.ID),
				logger.WithKind(string(kind)))
		}
		return false
	}
	h.recordDelivered(kind)
	return true
}

func (h *Hub) recordDelivered(kind Kind) {
	h.stats.MessagesSent.Add(1)
	h.metrics.EventsDeliveredTotal.WithLabelValues(string(kind)).Inc()
}

func (h *Hub) recordDrop(kind Kind, err error) {
	reason := "closed"
	if errors.Is(err, ErrSendBufferFull) {
		reason = "buffer_full"
	}
	h.stats.MessagesDropped.Add(1)
	h.metrics.EventsDroppedTotal.WithLabelValues(string(kind), reason).Inc()
}

func (h *Hub) encodeFailed(span trace.Span, e Event, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "encode failed")
	h.metrics.RecordError("encode", "hub")
	logger.Log.Error("Failed to encode event",
		logger.WithKind(string(e.Kind())), zap.Error(err))
}

// IsUserOnline checks if a user has a registered connection
func (h *Hub) IsUserOnline(userID string) bool {
	return h.registry.Contains(userID)
}

// GetOnlineUsers returns a sorted snapshot of online user ids. Later
// registry changes never show up in a returned slice.
func (h *Hub) GetOnlineUsers() []string {
	return h.registry.UserIDs()
}

// OnlineCount returns the number of online identities
func (h *Hub) OnlineCount() int {
	return h.registry.Len()
}

func (h *Hub) onlineExcept(userID string) []string {
	ids := h.registry.UserIDs()
	others := ids[:0]
	for _, id := range ids {
		if id != userID {
			others = append(others, id)
		}
	}
	return others
}

// ClientInfo returns connection details for userID
func (h *Hub) ClientInfo(userID string) (ClientInfo, bool) {
	client, ok := h.registry.Get(userID)
	if !ok {
		return ClientInfo{}, false
	}
	return client.GetInfo(), true
}

// GetMetrics returns current connection statistics
func (h *Hub) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		OnlineUsers:       int64(h.registry.Len()),
		TotalConnections:  h.stats.TotalConnections.Load(),
		Rejected:          h.stats.Rejected.Load(),
		Superseded:        h.stats.Superseded.Load(),
		MessagesSent:      h.stats.MessagesSent.Load(),
		MessagesDropped:   h.stats.MessagesDropped.Load(),
		FanoutLookupFails: h.stats.FanoutLookupFails.Load(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	OnlineUsers       int64 `json:"online_users"`
	TotalConnections  int64 `json:"total_connections"`
	Rejected          int64 `json:"rejected"`
	Superseded        int64 `json:"superseded"`
	MessagesSent      int64 `json:"messages_sent"`
	MessagesDropped   int64 `json:"messages_dropped"`
	FanoutLookupFails int64 `json:"fanout_lookup_failures"`
}

// String implements Stringer for MetricsSnapshot
func (m MetricsSnapshot) String() string {
	return fmt.Sprintf(
		"online=%d connections=%d rejected=%d superseded=%d messages=tx:%d/dropped:%d",
		m.OnlineUsers, m.TotalConnections, m.Rejected, m.Superseded,
		m.MessagesSent, m.MessagesDropped,
	)
}

// Shutdown tells every connection the server is going away and closes it.
// New connects are refused from the moment it is called.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	clients := h.registry.Clear()
	h.metrics.OnlineUsers.Set(0)
	logger.Log.Info("Initiating realtime hub shutdown", zap.Int("connections", len(clients)))

	frame, err := EncodeEvent(ServerShutdown{Reason: "server shutdown"})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			_ = c.writeNow(ctx, frame)
			c.Close(websocket.StatusGoingAway, "server shutdown")
		}(client)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info("Realtime hub shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}
