package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/confessr/chatd/internal/backend"
	"github.com/confessr/chatd/internal/bus"
	"github.com/confessr/chatd/internal/health"
	"github.com/confessr/chatd/internal/outbox"
	"github.com/confessr/chatd/internal/profile"
	"github.com/confessr/chatd/internal/push"
	"github.com/confessr/chatd/internal/realtime"
	"github.com/confessr/chatd/internal/send"
	"github.com/confessr/chatd/internal/store"
	intsync "github.com/confessr/chatd/internal/sync"
)

// loginTimeout bounds the password grant on the control surface.
const loginTimeout = 10 * time.Second

// Server is the loopback HTTP control surface. The bound port is written
// to the profile's port file so chatctl can find the daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	portPath   string
	logger     *zap.Logger
}

type serverDeps struct {
	db      *store.DB
	client  *backend.Client
	monitor *health.Monitor
	sender  *send.Sender
	queue   *outbox.Queue
	manager *realtime.Manager
	active  *intsync.Active
	intake  *push.Intake
	bus     *bus.Bus
	clk     clockNow
	logger  *zap.Logger
	profile string
}

// clockNow is the only clock facet the handlers need.
type clockNow interface {
	Now() time.Time
}

// NewServer binds the control surface to an ephemeral loopback port and
// writes the port file.
func NewServer(p Params, deps serverDeps) (*Server, error) {
	addr := p.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen control port: %w", err)
	}

	portPath := profile.PortFilePath(p.Profile)
	port := listener.Addr().(*net.TCPAddr).Port
	if err := os.WriteFile(portPath, []byte(strconv.Itoa(port)), 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("write port file: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := &httpHandler{deps: deps}
	router.GET("/healthz", h.handleHealthz)
	router.GET("/status", h.handleStatus)
	router.GET("/groups", h.handleListGroups)
	router.GET("/groups/:id/messages", h.handleListMessages)
	router.POST("/groups/:id/rename", h.handleRenameGroup)
	router.GET("/outbox", h.handleListOutbox)
	router.POST("/send", h.handleSend)
	router.POST("/auth/login", h.handleLogin)
	router.POST("/groups/:id/activate", h.handleActivate)
	router.DELETE("/groups/:id", h.handleDeleteGroup)
	router.POST("/push", h.handlePush)
	router.POST("/platform/:event", h.handlePlatformEvent)

	return &Server{
		httpServer: &http.Server{Handler: router},
		listener:   listener,
		portPath:   portPath,
		logger:     deps.logger,
	}, nil
}

// Port returns the bound control port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.Int("port", s.Port()))
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down and removes the port file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.portPath)
}

type httpHandler struct {
	deps serverDeps
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	snap := h.deps.monitor.Snapshot()
	code := http.StatusOK
	if !snap.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"health":   snap,
		"realtime": stateStrings(h.deps.manager.States()),
	})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	pending, err := h.deps.db.CountOutbox()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	groups, err := h.deps.db.ListGroups(1000, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile":        h.deps.profile,
		"pid":            os.Getpid(),
		"active_group":   h.deps.active.Get(),
		"outbox_pending": pending,
		"groups":         len(groups),
		"health":         h.deps.monitor.Snapshot(),
		"realtime":       stateStrings(h.deps.manager.States()),
		"events_dropped": h.deps.bus.Dropped(),
	})
}

func (h *httpHandler) handleListGroups(c *gin.Context) {
	groups, err := h.deps.db.ListGroups(1000, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	groupID := c.Param("id")
	var before int64
	if v := c.Query("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before"})
			return
		}
		before = n
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = n
	}
	msgs, err := h.deps.db.ListMessages(groupID, before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *httpHandler) handleRenameGroup(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.deps.db.RenameGroup(c.Param("id"), req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListOutbox(c *gin.Context) {
	entries, err := h.deps.db.ListOutbox()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type sendRequest struct {
	GroupID       string `json:"group_id" binding:"required"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type"`
	ParentID      string `json:"parent_id"`
	AttachmentURL string `json:"attachment_url"`
	Category      string `json:"category"`
	IsGhost       bool   `json:"is_ghost"`
}

func (h *httpHandler) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.Content == "" && req.AttachmentURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
		return
	}
	if req.MessageType == "" {
		req.MessageType = "text"
	}

	result, msg, err := h.deps.sender.Send(c.Request.Context(), &send.Request{
		GroupID:       req.GroupID,
		UserID:        req.UserID,
		Content:       req.Content,
		MessageType:   req.MessageType,
		ParentID:      req.ParentID,
		AttachmentURL: req.AttachmentURL,
		Category:      req.Category,
		IsGhost:       req.IsGhost,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": result.String(),
		"msg_id": msg.MsgID,
		"group":  msg.GroupID,
	})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), loginTimeout)
	defer cancel()
	sess, err := h.deps.client.SignInPassword(ctx, req.Email, req.Password)
	if err != nil {
		code := http.StatusBadGateway
		if backend.IsAuthRejected(err) {
			code = http.StatusUnauthorized
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}

	h.deps.monitor.SetSession(sess)
	persistSession(h.deps.db, sess, h.deps.logger)
	c.JSON(http.StatusOK, gin.H{"expires_at": sess.Expiry()})
}

func (h *httpHandler) handleActivate(c *gin.Context) {
	groupID := c.Param("id")
	h.deps.active.Set(groupID)
	if err := h.deps.db.ResetUnread(groupID); err != nil {
		h.deps.logger.Warn("failed to reset unread", zap.Error(err), zap.String("group_id", groupID))
	}
	h.deps.manager.Subscribe(groupID)
	h.deps.bus.Publish(bus.Event{
		Kind:      bus.KindViewRefresh,
		Timestamp: h.deps.clk.Now(),
		Payload:   groupID,
	})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteGroup(c *gin.Context) {
	groupID := c.Param("id")
	h.deps.manager.Unsubscribe(groupID)
	if h.deps.active.Get() == groupID {
		h.deps.active.Set("")
	}
	if err := h.deps.db.PurgeGroup(groupID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var payload push.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.deps.intake.Handle(c.Request.Context(), &payload); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// handlePlatformEvent lets the platform bridge report lifecycle and
// connectivity transitions, which drive outbox drains and gap recovery.
func (h *httpHandler) handlePlatformEvent(c *gin.Context) {
	var kind string
	switch c.Param("event") {
	case "online":
		kind = bus.KindNetOnline
	case "resumed":
		kind = bus.KindAppResumed
	case "paused":
		kind = bus.KindAppPaused
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
		return
	}
	h.deps.bus.Publish(bus.Event{Kind: kind, Timestamp: h.deps.clk.Now()})
	c.Status(http.StatusAccepted)
}

func stateStrings(states map[string]realtime.State) map[string]string {
	out := make(map[string]string, len(states))
	for id, st := range states {
		out[id] = st.String()
	}
	return out
}
