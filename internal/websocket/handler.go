package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/zfogg/sidechain/realtime/internal/auth"
	apperrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"go.uber.org/zap"
)

// Dispatcher routes a published event to its recipients: userID when set,
// everyone otherwise. The Hub dispatches locally; the relay publisher fans
// out across gateway processes.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, e Event) error
}

// HandlerConfig holds transport settings for upgraded connections.
type HandlerConfig struct {
	// AllowedOrigins are Origin patterns accepted on upgrade. Empty accepts
	// any origin.
	AllowedOrigins []string

	// AuthTimeout bounds the wait for an auth frame when the upgrade
	// request carried no credential.
	AuthTimeout time.Duration

	ReadLimit int64
	Client    ClientOptions
}

// Handler handles WebSocket HTTP upgrade requests and the gateway's HTTP
// read and publish endpoints.
type Handler struct {
	hub        *Hub
	dispatcher Dispatcher
	cfg        HandlerConfig
}

// NewHandler creates a new WebSocket handler. A nil dispatcher publishes
// straight into hub.
func NewHandler(hub *Hub, dispatcher Dispatcher, cfg HandlerConfig) *Handler {
	if dispatcher == nil {
		dispatcher = hub
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = hub.verifyTimeout
	}
	return &Handler{hub: hub, dispatcher: dispatcher, cfg: cfg}
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes. The credential comes from the Authorization header, the ?token=
// query parameter, or a first {"kind":"auth","token":"..."} frame.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(newUpgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{
		OriginPatterns:     h.cfg.AllowedOrigins,
		InsecureSkipVerify: len(h.cfg.AllowedOrigins) == 0,
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed",
			logger.WithIP(c.ClientIP()), zap.Error(err))
		return
	}

	opts := h.cfg.Client
	opts.RemoteAddr = c.ClientIP()
	opts.UserAgent = c.GetHeader("User-Agent")
	client := NewClient(NewTransport(conn, h.cfg.ReadLimit), opts)

	ctx := c.Request.Context()
	credential := auth.CredentialFromRequest(c.Request)
	if credential == "" {
		credential = h.awaitAuthFrame(ctx, client.transport)
	}

	if err := h.hub.Connect(ctx, client, credential); err != nil {
		// Connect already closed the transport.
		return
	}

	go client.WritePump()
	client.ReadPump() // This blocks until client disconnects

	h.hub.Disconnect(client)
}

// upgradeWriter lets the 101 handshake status bypass gin and go to the
// net/http writer underneath, then hijacks through gin. Handing
// gin.ResponseWriter to Accept directly fails: Accept calls WriteHeaderNow,
// after which gin refuses to hijack. Rejections are written through gin.
type upgradeWriter struct {
	gin.ResponseWriter
	raw http.ResponseWriter
}

func newUpgradeWriter(w gin.ResponseWriter) http.ResponseWriter {
	u, ok := w.(interface{ Unwrap() http.ResponseWriter })
	if !ok {
		return w
	}
	return upgradeWriter{ResponseWriter: w, raw: u.Unwrap()}
}

func (w upgradeWriter) WriteHeader(code int) {
	// gin only records the status here, which keeps access logs accurate.
	w.ResponseWriter.WriteHeader(code)
	if code == http.StatusSwitchingProtocols {
		w.raw.WriteHeader(code)
	}
}

// WriteHeaderNow is a no-op until the hijack: a flushed header makes gin
// refuse it.
func (w upgradeWriter) WriteHeaderNow() {}

// awaitAuthFrame reads one frame and returns its token if it is an auth
// frame. Anything else yields an empty credential, which fails closed.
func (h *Handler) awaitAuthFrame(ctx context.Context, transport Transport) string {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	defer cancel()

	data, err := transport.Read(ctx)
	if err != nil {
		return ""
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Kind != "auth" {
		return ""
	}
	return frame.Token
}

// HandleOnlineUsers lists the users currently online
func (h *Handler) HandleOnlineUsers(c *gin.Context) {
	users := h.hub.GetOnlineUsers()
	c.JSON(http.StatusOK, gin.H{
		"online_users": users,
		"count":        len(users),
		"timestamp":    time.Now().UTC(),
	})
}

// HandleOnlineStatus checks if specific users are online
func (h *Handler) HandleOnlineStatus(c *gin.Context) {
	var req struct {
		UserIDs []string `json:"user_ids" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Respond(c, apperrors.ValidationError("user_ids", err.Error()))
		return
	}

	statuses := make(map[string]bool, len(req.UserIDs))
	for _, userID := range req.UserIDs {
		statuses[userID] = h.hub.IsUserOnline(userID)
	}

	c.JSON(http.StatusOK, gin.H{
		"statuses":  statuses,
		"timestamp": time.Now().UTC(),
	})
}

// HandleMetrics returns WebSocket metrics (for monitoring)
func (h *Handler) HandleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"websocket": h.hub.GetMetrics(),
		"timestamp": time.Now().UTC(),
	})
}

// HandlePublishBroadcast accepts an event frame and delivers it to everyone
func (h *Handler) HandlePublishBroadcast(c *gin.Context) {
	h.publish(c, "")
}

// HandlePublishToUser accepts an event frame and delivers it to one user
func (h *Handler) HandlePublishToUser(c *gin.Context) {
	userID := c.Param("id")
	if userID == "" {
		apperrors.Respond(c, apperrors.ValidationError("id", "user id is required"))
		return
	}
	h.publish(c, userID)
}

func (h *Handler) publish(c *gin.Context, userID string) {
	body, err := c.GetRawData()
	if err != nil {
		apperrors.Respond(c, apperrors.BadRequest("failed to read body"))
		return
	}

	event, err := DecodePublished(body)
	if errors.Is(err, ErrUnknownKind) {
		apperrors.Respond(c, apperrors.UnknownEvent(err.Error()))
		return
	}
	if err == nil {
		err = ValidateEvent(event)
	}
	if err != nil {
		apperrors.Respond(c, apperrors.InvalidEvent(err.Error()))
		return
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), userID, event); err != nil {
		logger.Log.Error("Failed to dispatch event",
			logger.WithKind(string(event.Kind())),
			logger.WithUserID(userID),
			zap.Error(err))
		apperrors.Respond(c, apperrors.ServiceUnavailable("event relay"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"kind":   event.Kind(),
	})
}

// Shutdown gracefully shuts down the WebSocket handler
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.hub.Shutdown(ctx)
}

// GetHub returns the hub for external access
func (h *Handler) GetHub() *Hub {
	return h.hub
}
