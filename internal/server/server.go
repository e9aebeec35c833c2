// Package server exposes the agent's HTTP surface. Every endpoint
// answers HTTP 200 with a {success, message, ...} envelope, including
// on internal failures, so the master never has to parse a transport
// error page.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/update-agent-project/uparun/internal/backup"
	"github.com/update-agent-project/uparun/internal/config"
	"github.com/update-agent-project/uparun/internal/jobs"
	"github.com/update-agent-project/uparun/internal/routine"
)

// statusCacheMaxAge is how fresh the cached snapshot must be for the
// status endpoint to serve it without rebuilding.
const statusCacheMaxAge = 5 * time.Minute

// Server routes agent endpoints.
type Server struct {
	cfg     *config.Config
	orch    *routine.Orchestrator
	queue   *jobs.Queue
	backups *backup.Manager
	log     *slog.Logger
}

// New creates a Server.
func New(cfg *config.Config, orch *routine.Orchestrator, queue *jobs.Queue, backups *backup.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, orch: orch, queue: queue, backups: backups, log: log}
}

// Router builds the gin engine with auth and recovery wired in.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery(), s.auth())

	r.GET("/status", s.handleStatus)
	r.POST("/update", s.requireActive, s.handleUpdate)
	r.POST("/sync", s.requireActive, s.handleSync)
	r.POST("/poll-now", s.requireActive, s.handlePollNow)
	r.GET("/backups", s.handleBackups)
	r.POST("/backups/restore", s.requireActive, s.handleRestore)
	r.POST("/clear-repo-cache", s.handleClearCache)
	r.GET("/test-endpoints", s.handleTestEndpoints)

	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Agent.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("agent listening", "addr", s.cfg.Agent.ListenAddr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// respond writes the standard envelope. Extra fields merge into the
// top level.
func respond(c *gin.Context, success bool, message string, extra gin.H) {
	body := gin.H{"success": success, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// recovery converts panics into the JSON envelope instead of a 500.
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Error("request panicked", "path", c.Request.URL.Path, "panic", recovered)
		respond(c, false, "internal error", nil)
		c.Abort()
	})
}

// requireActive rejects mutating requests while the service toggle is
// off.
func (s *Server) requireActive(c *gin.Context) {
	if !s.cfg.Agent.Active {
		respond(c, false, "agent is inactive", nil)
		c.Abort()
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	report, err := s.orch.CachedReport(c.Request.Context(), statusCacheMaxAge)
	if err != nil {
		respond(c, false, err.Error(), nil)
		return
	}
	respond(c, true, "ok", gin.H{"report": report})
}

func (s *Server) handleUpdate(c *gin.Context) {
	s.trigger(c, jobs.Options{
		ClearCache:         c.PostForm("clear_cache") == "1" || c.Query("clear_cache") == "1",
		UpdateTranslations: c.PostForm("update_translations") == "1" || c.Query("update_translations") == "1",
	})
}

func (s *Server) handleSync(c *gin.Context) {
	s.trigger(c, jobs.Options{ClearCache: true})
}

// trigger enqueues a routine run. An already-running routine is not an
// error; the caller gets the in-flight job ID and can watch it.
func (s *Server) trigger(c *gin.Context, opts jobs.Options) {
	id, err := s.queue.Trigger(opts)
	if errors.Is(err, jobs.ErrBusy) {
		respond(c, true, "update routine already running", gin.H{"job_id": id})
		return
	}
	if err != nil {
		respond(c, false, err.Error(), nil)
		return
	}
	respond(c, true, "update routine started", gin.H{"job_id": id})
}

func (s *Server) handlePollNow(c *gin.Context) {
	result, err := s.orch.HandlePoll(c.Request.Context())
	if err != nil {
		respond(c, false, err.Error(), nil)
		return
	}
	respond(c, true, "poll handled", gin.H{"result": result})
}

func (s *Server) handleBackups(c *gin.Context) {
	records, err := s.backups.List()
	if err != nil {
		respond(c, false, err.Error(), nil)
		return
	}
	respond(c, true, "ok", gin.H{"backups": records})
}

func (s *Server) handleRestore(c *gin.Context) {
	filename := c.PostForm("filename")
	if filename == "" {
		filename = c.Query("filename")
	}
	if filename == "" {
		respond(c, false, "filename is required", nil)
		return
	}
	if err := s.backups.Restore(filename); err != nil {
		if errors.Is(err, backup.ErrBackupNotFound) {
			respond(c, false, fmt.Sprintf("backup not found: %s", filename), nil)
			return
		}
		respond(c, false, err.Error(), nil)
		return
	}
	respond(c, true, fmt.Sprintf("restored %s", filename), nil)
}

func (s *Server) handleClearCache(c *gin.Context) {
	s.orch.ClearCaches(c.Request.Context())
	respond(c, true, "repository caches refreshed", nil)
}

// handleTestEndpoints exercises the cache refresh, the status snapshot
// and the translation count in one diagnostic call.
func (s *Server) handleTestEndpoints(c *gin.Context) {
	ctx := c.Request.Context()
	s.orch.ClearCaches(ctx)
	report, err := s.orch.BuildReport(ctx)
	if err != nil {
		respond(c, false, err.Error(), nil)
		return
	}
	respond(c, true, "ok", gin.H{
		"cache_cleared":        true,
		"translations_pending": report.TranslationsPending,
		"report":               report,
	})
}
