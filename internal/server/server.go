// Package server implements serve mode: an HTTP trigger and a cron schedule
// around the sync engine.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/schaermu/dirsyncd/internal/activation"
	"github.com/schaermu/dirsyncd/internal/config"
	dirsyncd "github.com/schaermu/dirsyncd/internal/sync"
)

// SignatureHeader carries the HMAC-SHA256 of the trigger request body
const SignatureHeader = "X-Dirsyncd-Signature"

const defaultDebounce = 2 * time.Second

// Status is the JSON document served on /status
type Status struct {
	Running       bool             `json:"running"`
	Pending       bool             `json:"pending"`
	Runs          int              `json:"runs"`
	LastStarted   *time.Time       `json:"last_started,omitempty"`
	LastFinished  *time.Time       `json:"last_finished,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	LastReport    *dirsyncd.Report `json:"last_report,omitempty"`
	NextScheduled *time.Time       `json:"next_scheduled,omitempty"`
}

// Server implements the serve mode HTTP server
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	secret    []byte
	debounce  *debouncer
	scheduler *Scheduler

	// run performs one sync; replaced in tests.
	run func(ctx context.Context) (*dirsyncd.Report, error)

	syncMu      sync.Mutex // guards everything below
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	baseCtx     context.Context
	status      Status
}

// NewServer creates a new serve mode server. The trigger secret is read when
// configured; without it the /sync endpoint is not registered.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		debounce: &debouncer{delay: defaultDebounce},
		baseCtx:  context.Background(),
	}
	s.run = func(ctx context.Context) (*dirsyncd.Report, error) {
		return dirsyncd.NewEngine(s.cfg, s.logger, false).Run(ctx)
	}

	if cfg.Serve.TriggerSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.TriggerSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger secret: %w", err)
		}
		// Trim any whitespace/newlines from secret
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("trigger secret file %s is empty", cfg.Serve.TriggerSecretFile)
		}
	}

	if cfg.Serve.Schedule != "" {
		s.scheduler = NewScheduler(cfg.Serve.Schedule, func() {
			s.logger.Info("scheduled sync triggered")
			s.performSync(s.runContext())
		}, logger)
	}

	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.secret != nil {
		router.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	}
	return router
}

// Start performs an initial sync, then serves HTTP and runs the schedule
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.syncMu.Lock()
	s.baseCtx = ctx
	s.syncMu.Unlock()

	s.logger.Info("performing initial sync before starting server")
	s.performSync(ctx)

	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			_ = listener.Close()
			return err
		}
		defer s.scheduler.Stop()
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", listener.Addr().String(), "socket_activated", activated)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.Status()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to encode status", "error", err)
	}
}

// handleSync handles signed trigger requests
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("sync trigger accepted", "remote", r.RemoteAddr)

	// Trigger debounced sync
	s.debounce.trigger(func() {
		s.performSync(s.runContext())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" || len(s.secret) == 0 {
		return false
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Status returns a snapshot of the sync state.
func (s *Server) Status() Status {
	s.syncMu.Lock()
	status := s.status
	status.Running = s.syncRunning
	status.Pending = s.syncPending
	s.syncMu.Unlock()

	if s.scheduler != nil {
		status.NextScheduled = s.scheduler.Next()
	}
	return status
}

func (s *Server) runContext() context.Context {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.baseCtx
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		started := time.Now()
		s.syncMu.Lock()
		s.status.LastStarted = &started
		s.syncMu.Unlock()

		rep, err := s.run(ctx)
		if err != nil {
			s.logger.Error("sync failed", "error", err)
		} else if rep != nil && rep.Total.HasFailures() {
			s.logger.Warn("sync completed with failures", "failed", rep.Total.Failed)
		} else {
			s.logger.Info("sync completed successfully")
		}

		finished := time.Now()

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		s.status.Runs++
		s.status.LastFinished = &finished
		s.status.LastReport = rep
		s.status.LastError = ""
		if err != nil {
			s.status.LastError = err.Error()
		}
		if !s.syncPending || ctx.Err() != nil {
			s.syncRunning = false
			s.syncPending = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// debouncer collapses bursts of triggers into one call
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
