package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stackctl/internal/orchestrator"
	"github.com/loykin/stackctl/internal/outcome"
	"github.com/loykin/stackctl/internal/registry"
	"github.com/loykin/stackctl/internal/status"
)

// Controller is the part of the orchestrator the HTTP surface drives.
type Controller interface {
	StartAll(ctx context.Context) outcome.Result
	StopAll(ctx context.Context) outcome.Result
	StartOne(ctx context.Context, name string) outcome.Result
	StopOne(ctx context.Context, name string) outcome.Result
	Status(ctx context.Context) (status.Snapshot, error)
	Registry() (*registry.Registry, error)
}

// Router provides embeddable HTTP handlers for a managed group.
// Endpoints:
//
//	POST {basePath}/start-all
//	POST {basePath}/stop-all
//	POST {basePath}/services/:name/start
//	POST {basePath}/services/:name/stop
//	GET  {basePath}/services
//	GET  {basePath}/status
//	GET  {basePath}/healthz
//	GET  /metrics              when Metrics is set
//
// Invocations run on the request context, so a client that disconnects
// cancels the invocation between steps.
type Router struct {
	ctl      Controller
	basePath string
	// Metrics, when non-nil, is mounted at /metrics outside basePath.
	Metrics http.Handler
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// BasePath is the sanitized prefix of the endpoints.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.Metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/start-all", r.handleStartAll)
	group.POST("/stop-all", r.handleStopAll)
	group.POST("/services/:name/start", r.handleStartOne)
	group.POST("/services/:name/stop", r.handleStopOne)
	group.GET("/services", r.handleServices)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	return g
}

// NewServer builds an http.Server for the router. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStartAll(c *gin.Context) {
	writeResult(c, r.ctl.StartAll(c.Request.Context()))
}

func (r *Router) handleStopAll(c *gin.Context) {
	writeResult(c, r.ctl.StopAll(c.Request.Context()))
}

func (r *Router) handleStartOne(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	writeResult(c, r.ctl.StartOne(c.Request.Context(), name))
}

func (r *Router) handleStopOne(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	writeResult(c, r.ctl.StopOne(c.Request.Context(), name))
}

func (r *Router) handleServices(c *gin.Context) {
	reg, err := r.ctl.Registry()
	if err != nil {
		writeJSON(c, errorCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, reg.Descriptors())
}

func (r *Router) handleStatus(c *gin.Context) {
	snap, err := r.ctl.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, errorCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return name, true
}

// writeResult answers 200 for success and partial failure; the body's status
// field carries the verdict. Fatal errors map to a client or conflict code.
func writeResult(c *gin.Context, res outcome.Result) {
	code := http.StatusOK
	switch {
	case res.Err != nil:
		code = errorCode(res.Err)
	case res.Status == outcome.StatusFailure:
		code = http.StatusInternalServerError
	}
	writeJSON(c, code, res)
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrLocked):
		return http.StatusConflict
	case registry.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
