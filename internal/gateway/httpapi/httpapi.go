// Package httpapi implements the HTTP gateway for pdbgate.
//
// Security:
//   - Every engine invocation goes through the jobs service, so the registry
//     and the validator see all input before the engine does
//   - Upload size limits and filename sanitisation
//   - Per-client rate limiting via token bucket
//   - All requests logged with job IDs
//   - No caller authentication; deploy behind an authenticating proxy
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/pdbgate/internal/domain"
	"github.com/jkaninda/pdbgate/internal/gateway"
	"github.com/jkaninda/pdbgate/internal/jobs"
	"github.com/jkaninda/pdbgate/internal/observability"
	"github.com/jkaninda/pdbgate/internal/ratelimit"
	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/security"
	"github.com/jkaninda/pdbgate/internal/storage"
	"github.com/jkaninda/pdbgate/internal/workspace"
)

const (
	defaultMaxUploadSize = 100 << 20 // 100 MB

	// multipartMemory is the part of a multipart body kept in memory;
	// the rest spills to temporary files.
	multipartMemory = 32 << 20

	// formOverhead is allowed on top of the upload size for the other form
	// fields and multipart framing.
	formOverhead = 1 << 20
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
	// Kind is the validation failure kind for 400 responses.
	Kind string `json:"kind,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8000"
	EnableDocs     bool
	Version        string
	MaxUploadBytes int64    // Maximum structure upload. 0 = 100 MB default.
	CORSOrigins    []string // Allowed origins; "*" allows all. Empty = CORS disabled.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	Readiness       *observability.Readiness        // Checks behind /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	jobs      *jobs.Service
	workspace *workspace.Workspace
	validator *security.Validator
	registry  *registry.Registry
	store     storage.JobStore // nil = job history endpoints disabled.
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// cleanups tracks background workspace removals so Stop can wait for them.
	cleanups sync.WaitGroup

	routesOnce sync.Once
	okapi      *okapi.Okapi
	group      *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc *jobs.Service, ws *workspace.Workspace, v *security.Validator, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		jobs:      svc,
		workspace: ws,
		validator: v,
		registry:  v.Registry(),
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(multipartMemory)),
	}
}

// WithJobStore enables the job history endpoints.
func (g *Gateway) WithJobStore(store storage.JobStore) *Gateway {
	g.store = store
	return g
}

// WithRateLimiter throttles job submissions per client address.
func (g *Gateway) WithRateLimiter(rl *ratelimit.Limiter) *Gateway {
	g.limiter = rl
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "pdbgate",
			Version: version,
		},
	)
	return g
}

// Handler returns the gateway as an http.Handler with all routes mounted.
func (g *Gateway) Handler() http.Handler {
	g.routesOnce.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	if len(g.config.CORSOrigins) > 0 {
		cors := corsPolicy(g.config.CORSOrigins)
		// WithCORS answers preflight requests; CORSHandler decorates the rest.
		g.okapi.WithCORS(cors)
		g.okapi.Use(cors.CORSHandler)
	}

	g.group = g.okapi.Group("/v1", g.rateLimit)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run an engine command and download its results"),
		okapi.DocDescription("Takes a multipart form. On success the body is a .tar.zst archive of the job directory."),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(ExecuteForm{}),
		okapi.DocResponseHeader(HeaderJobID, "string", "Job ID"),
		okapi.DocResponseHeader(HeaderExecutionTime, "string", "Engine wall time in seconds"),
		okapi.DocResponseHeader(HeaderJobStatus, "string", "Final job status"),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ExecutionErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ExecutionErrorBody{}),
	)
	g.group.Post("/protein_design", g.handleProteinDesign,
		okapi.DocSummary("Run ProteinDesign on an uploaded structure"),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(ProteinDesignForm{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ExecutionErrorBody{}),
	)

	g.group.Get("/commands", g.handleCommands,
		okapi.DocSummary("List the commands, arguments and flags the engine accepts"),
		okapi.DocTags("Commands"),
		okapi.DocResponse(CommandsResponse{}),
	)

	if g.store != nil {
		g.group.Get("/jobs", g.handleJobList,
			okapi.DocSummary("List recent jobs"),
			okapi.DocTags("Jobs"),
			okapi.DocResponse([]JobResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/jobs/{id}", g.handleJobGet,
			okapi.DocSummary("Get a job record by ID"),
			okapi.DocTags("Jobs"),
			okapi.DocPathParam("id", "string", "Job ID (UUID)"),
			okapi.DocResponse(JobResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints.
	g.okapi.Get("/", g.handleRoot)
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness,
		okapi.DocSummary("Readiness with dependency checks and execution slot usage"),
		okapi.DocResponse(observability.ReadinessReport{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.ReadinessReport{}),
	)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routesOnce.Do(g.routes)

	addr := g.config.ListenAddr
	if addr == "" {
		addr = ":8000"
	}
	g.server = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads and engine runs are long; per-request limits come from
		// the upload cap and the engine timeout.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", addr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server and waits for pending
// workspace cleanups.
func (g *Gateway) Stop(ctx context.Context) error {
	defer g.waitCleanups(ctx)
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) waitCleanups(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.cleanups.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// --- Handlers ---

// CommandsResponse is the JSON response for GET /v1/commands.
type CommandsResponse struct {
	Commands      []string `json:"commands"`
	Arguments     []string `json:"arguments"`
	Flags         []string `json:"flags"`
	PathArguments []string `json:"path_arguments"`
	Extension     string   `json:"extension"`
}

func (g *Gateway) handleCommands(c *okapi.Context) error {
	resp := CommandsResponse{
		Arguments: g.registry.ArgumentKeys(),
		Flags:     g.registry.Flags(),
		Extension: g.registry.Extension(),
	}
	for _, d := range g.registry.Commands() {
		resp.Commands = append(resp.Commands, d.Name)
	}
	for _, k := range resp.Arguments {
		if g.registry.IsPathArgument(k) {
			resp.PathArguments = append(resp.PathArguments, k)
		}
	}
	return c.OK(resp)
}

// JobResponse is the JSON representation of a job record.
type JobResponse struct {
	ID            string     `json:"id"`
	Command       string     `json:"command"`
	Argv          []string   `json:"argv,omitempty"`
	Status        string     `json:"status"`
	ExitCode      int        `json:"exit_code"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Error         string     `json:"error,omitempty"`
	ElapsedMS     int64      `json:"elapsed_ms"`
	Backend       string     `json:"backend"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func toJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		Command:       j.Command,
		Argv:          j.Argv,
		Status:        string(j.Status),
		ExitCode:      j.ExitCode,
		FailureReason: j.FailureReason,
		Error:         j.Error,
		ElapsedMS:     j.Elapsed.Milliseconds(),
		Backend:       j.Backend,
		CreatedAt:     j.CreatedAt,
		FinishedAt:    j.FinishedAt,
	}
}

func (g *Gateway) handleJobGet(c *okapi.Context) error {
	job, err := g.store.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "job not found"})
		}
		g.logger.Error("job lookup failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("job lookup failed")
	}
	return c.OK(toJobResponse(job))
}

func (g *Gateway) handleJobList(c *okapi.Context) error {
	q := c.Request().URL.Query()

	status := domain.JobStatus(q.Get("status"))
	switch status {
	case "", domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed, domain.JobRejected:
	default:
		return c.AbortBadRequest("unknown job status")
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	list, err := g.store.List(c.Context(), status, limit)
	if err != nil {
		g.logger.Error("job listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("job listing failed")
	}
	resp := make([]JobResponse, len(list))
	for i := range list {
		resp[i] = toJobResponse(&list[i])
	}
	return c.OK(resp)
}

// InfoResponse is the JSON response for GET /.
type InfoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Backend string `json:"backend"`
}

func (g *Gateway) handleRoot(c *okapi.Context) error {
	return c.OK(InfoResponse{Name: "pdbgate", Version: g.config.Version, Backend: g.jobs.Backend()})
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness answers the liveness check.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness reports dependency checks and execution slot usage.
// Any failed check answers 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.Readiness == nil {
		return c.OK(&HealthResponse{Status: observability.StatusOK})
	}
	report := g.config.Readiness.Check(c.Context())
	code := http.StatusOK
	if report.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

// --- Rate limiting ---

func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if err := g.limiter.Allow(clientKey(c.Request())); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

// clientKey identifies a caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
