package admin

import (
	"context"
	"io"
	"strconv"
	"strings"

	"faasrt/internal/invocation"
	"faasrt/internal/runtime/engine"
	"faasrt/internal/runtime/module"
	"faasrt/internal/runtime/worker"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/logger"
	"faasrt/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxUploadSize = 64 << 20

// Runtime is the part of the engine the admin API drives.
type Runtime interface {
	Register(spec module.Spec, unit module.Unit) (engine.ModuleInfo, error)
	Retire(name string) error
	Module(name string) (engine.ModuleInfo, error)
	Modules() []engine.ModuleInfo
	Workers() []worker.Stats
	Stats() engine.Stats
	Subscribe(buffer int) (<-chan engine.Event, func())
}

// UnitLoader turns a module source into a compute unit.
type UnitLoader interface {
	Load(ctx context.Context, spec module.Spec, digest string) (module.Unit, error)
	Upload(ctx context.Context, key string, data []byte) (source string, digest string, err error)
}

// Invocations answers invocation history queries.
type Invocations interface {
	Get(ctx context.Context, requestID string) (invocation.Record, error)
	Recent(ctx context.Context, module string, limit int) ([]invocation.Record, error)
}

// Handler serves the admin API.
type Handler struct {
	runtime     Runtime
	loader      UnitLoader
	invocations Invocations
	auth        *Authenticator
	ready       func() bool
	upgrader    websocket.Upgrader
}

// Deps are the Handler's collaborators. Loader and Invocations are optional;
// their routes answer 503 without them.
type Deps struct {
	Runtime     Runtime
	Loader      UnitLoader
	Invocations Invocations
	Auth        *Authenticator
	Ready       func() bool
	// AllowedOrigins for the event stream; empty means same origin only
	AllowedOrigins []string
}

func NewHandler(deps Deps) *Handler {
	if deps.Ready == nil {
		deps.Ready = func() bool { return true }
	}
	return &Handler{
		runtime:     deps.Runtime,
		loader:      deps.Loader,
		invocations: deps.Invocations,
		auth:        deps.Auth,
		ready:       deps.Ready,
		upgrader:    newUpgrader(deps.AllowedOrigins),
	}
}

// Health reports readiness and a runtime summary.
func (h *Handler) Health(c *gin.Context) {
	if !h.ready() {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "runtime not ready")
		return
	}
	st := h.runtime.Stats()
	response.Success(c, gin.H{
		"status":  "ok",
		"modules": st.Modules,
		"queued":  st.Queued,
		"workers": len(st.Workers),
	})
}

// TokenRequest is the login payload.
type TokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if h.auth == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "auth is not configured")
		return
	}
	token, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, token)
}

func (h *Handler) ListModules(c *gin.Context) {
	response.Success(c, h.runtime.Modules())
}

func (h *Handler) GetModule(c *gin.Context) {
	info, err := h.runtime.Module(c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

// RegisterModuleRequest is a module spec plus the expected artifact digest.
type RegisterModuleRequest struct {
	module.Spec
	SHA256 string `json:"sha256"`
}

func (h *Handler) RegisterModule(c *gin.Context) {
	var req RegisterModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Source == "" {
		response.Error(c, appErr.ValidationError("name/source", "required"))
		return
	}
	if h.loader == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "artifact loading is not configured")
		return
	}
	if _, err := h.runtime.Module(req.Name); err == nil {
		response.Error(c, appErr.New(appErr.ModuleAlreadyExists).WithMessagef("module %s already registered", req.Name))
		return
	}

	ctx := c.Request.Context()
	unit, err := h.loader.Load(ctx, req.Spec, req.SHA256)
	if err != nil {
		response.Error(c, err)
		return
	}
	info, err := h.runtime.Register(req.Spec, unit)
	if err != nil {
		if cerr := unit.Close(ctx); cerr != nil {
			logger.Warn(ctx, "close unregistered unit failed", zap.String("module", req.Name), zap.Error(cerr))
		}
		response.Error(c, err)
		return
	}
	logger.Info(ctx, "module registered via admin api",
		zap.String("module", info.Name),
		zap.String("source", info.Source),
		zap.String("subject", c.GetString(subjectContextKey)))
	response.Created(c, info)
}

func (h *Handler) RetireModule(c *gin.Context) {
	name := c.Param("name")
	if err := h.runtime.Retire(name); err != nil {
		response.Error(c, err)
		return
	}
	logger.Info(c.Request.Context(), "module retired via admin api",
		zap.String("module", name),
		zap.String("subject", c.GetString(subjectContextKey)))
	response.Success(c, gin.H{"name": name})
}

// UploadArtifact stores a multipart "file" under the "key" form value.
func (h *Handler) UploadArtifact(c *gin.Context) {
	if h.loader == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "artifact loading is not configured")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	if fh.Size > maxUploadSize {
		response.Error(c, appErr.ValidationError("file", "too large"))
		return
	}
	key := c.PostForm("key")
	if key == "" {
		key = fh.Filename
	}
	f, err := fh.Open()
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidParams, "open upload failed"))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadSize))
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidParams, "read upload failed"))
		return
	}
	source, digest, err := h.loader.Upload(c.Request.Context(), key, data)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"source": source, "sha256": digest, "size": len(data)})
}

func (h *Handler) ListWorkers(c *gin.Context) {
	response.Success(c, h.runtime.Workers())
}

func (h *Handler) Stats(c *gin.Context) {
	response.Success(c, h.runtime.Stats())
}

func (h *Handler) GetInvocation(c *gin.Context) {
	if h.invocations == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "invocation history is not configured")
		return
	}
	rec, err := h.invocations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

func (h *Handler) ListInvocations(c *gin.Context) {
	if h.invocations == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "invocation history is not configured")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := h.invocations.Recent(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, recs)
}
