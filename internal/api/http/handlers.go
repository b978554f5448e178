package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/lifecycle"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/workspace"
	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/monitoring"
)

// multipartOverhead is allowed on top of the upload size limit for form framing
const multipartOverhead = 1 << 20

// Handlers contains all HTTP handlers
type Handlers struct {
	manager   *lifecycle.Manager
	registry  *identity.Registry
	store     *workspace.Store
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	port      string
	maxUpload int64
	// stream serves WebSocket upgrades that arrive on the landing route
	stream gin.HandlerFunc
}

// NewHandlers creates a new handler set
func NewHandlers(
	manager *lifecycle.Manager,
	registry *identity.Registry,
	store *workspace.Store,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		manager:   manager,
		registry:  registry,
		store:     store,
		metrics:   metrics,
		logger:    logger.Named("api"),
		port:      "3000",
		maxUpload: workspace.DefaultMaxBytes,
	}
}

// WithPort sets the port shown on the landing page
func (h *Handlers) WithPort(port string) *Handlers {
	h.port = port
	return h
}

// WithStream lets the landing route accept WebSocket clients
func (h *Handlers) WithStream(stream gin.HandlerFunc) *Handlers {
	h.stream = stream
	return h
}

// WithUploadLimit bounds the request body accepted by Upload
func (h *Handlers) WithUploadLimit(n int64) *Handlers {
	if n > 0 {
		h.maxUpload = n
	}
	return h
}

// CreateRequest is the body of POST /api/create
type CreateRequest struct {
	Plan    string `json:"plan"`
	Runtime string `json:"runtime"`
}

// ActionRequest is the body of POST /api/action
type ActionRequest struct {
	ServerID string            `json:"serverId"`
	Action   string            `json:"action"`
	Env      map[string]string `json:"env"`
}

// Create registers a new server
func (h *Handlers) Create(c *gin.Context) {
	var req CreateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, fmt.Errorf("%w: invalid request body", identity.ErrValidation))
			return
		}
	}

	plan, err := identity.ParsePlan(req.Plan)
	if err != nil {
		respondError(c, err)
		return
	}
	runtime, err := identity.ParseRuntime(req.Runtime)
	if err != nil {
		respondError(c, err)
		return
	}

	ident, err := h.manager.Create(plan, runtime)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"serverId": ident.ID,
		"plan":     ident.Plan,
		"runtime":  ident.Runtime,
	})
}

// Upload stores bot code for a server. Files arrive as multipart "files"
// (or "files[]") next to a "serverId" field.
func (h *Handlers) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, fmt.Errorf("%w: limit is %d bytes", workspace.ErrTooLarge, h.maxUpload))
			return
		}
		respondError(c, fmt.Errorf("%w: expected multipart form: %v", identity.ErrValidation, err))
		return
	}
	defer form.RemoveAll()

	serverID := strings.TrimSpace(firstValue(form.Value["serverId"]))
	if serverID == "" {
		respondError(c, fmt.Errorf("%w: serverId is required", identity.ErrValidation))
		return
	}

	headers := append(form.File["files"], form.File["files[]"]...)
	files := make([]workspace.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			respondError(c, fmt.Errorf("%w: unreadable file %q", identity.ErrValidation, fh.Filename))
			return
		}
		defer f.Close()
		files = append(files, workspace.File{Name: fh.Filename, Body: f})
	}

	saved, err := h.store.Save(serverID, files)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "files": saved})
}

// Files lists the bot code stored for a server
func (h *Handlers) Files(c *gin.Context) {
	serverID := c.Query("serverId")
	if serverID == "" {
		respondError(c, fmt.Errorf("%w: serverId is required", identity.ErrValidation))
		return
	}

	entries, err := h.store.List(c.Request.Context(), serverID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "files": entries})
}

// Action runs start, stop or restart
func (h *Handlers) Action(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: invalid request body", identity.ErrValidation))
		return
	}
	if req.ServerID == "" {
		respondError(c, fmt.Errorf("%w: serverId is required", identity.ErrValidation))
		return
	}

	ctx := c.Request.Context()
	switch strings.ToLower(req.Action) {
	case "start":
		res, err := h.manager.Start(ctx, req.ServerID, req.Env)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": res.State, "resumed": res.Resumed, "epoch": res.Epoch})

	case "stop":
		res, err := h.manager.Stop(ctx, req.ServerID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": res.State, "cleanup": res.Cleanup})

	case "restart":
		res, err := h.manager.Restart(ctx, req.ServerID, req.Env)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": res.State, "epoch": res.Epoch})

	default:
		respondError(c, fmt.Errorf("%w: unknown action %q", identity.ErrValidation, req.Action))
	}
}

// Status returns a server's lifecycle state
func (h *Handlers) Status(c *gin.Context) {
	serverID := c.Query("serverId")
	if serverID == "" {
		respondError(c, fmt.Errorf("%w: serverId is required", identity.ErrValidation))
		return
	}

	state, err := h.manager.Status(serverID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": state})
}

// ListServers lists every registered server
func (h *Handlers) ListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"servers": h.registry.List(),
		"stats":   h.registry.Stats(),
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	mode := "docker"
	if h.manager.Simulated() {
		mode = "simulated"
	}

	body := gin.H{
		"status":  "healthy",
		"sandbox": mode,
		"servers": h.registry.Stats(),
	}
	if h.metrics != nil {
		body["metrics"] = h.metrics.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
