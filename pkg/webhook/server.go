package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/gitapp"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// maxBodyBytes caps webhook payloads. GitHub documents 25 MB but push
// payloads of that size carry nothing we read.
const maxBodyBytes = 10 << 20

// Options wire the server's collaborators.
type Options struct {
	Store   storage.Store
	Manager *manager.Manager
	GitApps *gitapp.Service
	Broker  *events.Broker
	Addr    string
}

// Server is the webhook HTTP server.
type Server struct {
	store   storage.Store
	manager *manager.Manager
	gitapps *gitapp.Service
	broker  *events.Broker
	srv     *http.Server
	log     zerolog.Logger
}

// New builds the server and its router.
func New(opts Options) *Server {
	s := &Server{
		store:   opts.Store,
		manager: opts.Manager,
		gitapps: opts.GitApps,
		broker:  opts.Broker,
		log:     log.WithComponent("webhook"),
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Post("/webhook/github", s.handleGitHub)
	r.Post("/webhook/gitlab", s.handleGitLab)
	r.Put("/webhook/deploy/{token}", s.handleTokenDeploy)
	r.Post("/environments/{environmentID}/review-deploy", s.handleReviewDeploy)
	r.Get("/events", s.handleEvents)
	return r
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.srv.Handler }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("webhook server listening")
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// deployTokenRequest is the optional body of the token deploy
// endpoint. Every field may be omitted; the zero value deploys
// whatever is pending on the change log.
type deployTokenRequest struct {
	NewImage         string `json:"new_image"`
	CommitSHA        string `json:"commit_sha"`
	CommitMessage    string `json:"commit_message"`
	IgnoreBuildCache bool   `json:"ignore_build_cache"`
	CleanupQueue     bool   `json:"cleanup_queue"`
}

// handleTokenDeploy queues a deployment for the service owning the
// deploy token. The token is the only credential, so the service is
// never named in the URL.
func (s *Server) handleTokenDeploy(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	svc, err := s.store.GetServiceByDeployToken(token)
	if err != nil {
		writeError(w, err)
		return
	}

	var req deployTokenRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, zerrors.Validationf("body", "invalid JSON: %v", err))
		return
	}

	d, err := s.manager.PrepareNewDeployment(r.Context(), svc.ID, manager.DeployOptions{
		Trigger:          types.TriggerAPI,
		NewImage:         req.NewImage,
		CommitSHA:        req.CommitSHA,
		CommitMessage:    req.CommitMessage,
		IgnoreBuildCache: req.IgnoreBuildCache,
		CleanupQueue:     req.CleanupQueue,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.log.Info().Str("service", svc.ID).Str("hash", d.Hash).Msg("deployment queued via deploy token")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"hash":    d.Hash,
	})
}

type reviewDeployRequest struct {
	Decision string `json:"decision"`
}

// handleReviewDeploy resolves the fork-approval gate of a preview
// environment: ACCEPT deploys it, DECLINE archives it.
func (s *Server) handleReviewDeploy(w http.ResponseWriter, r *http.Request) {
	environmentID := chi.URLParam(r, "environmentID")

	var req reviewDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, zerrors.Validationf("body", "invalid JSON: %v", err))
		return
	}

	var accept bool
	switch strings.ToUpper(req.Decision) {
	case "ACCEPT":
		accept = true
	case "DECLINE":
		accept = false
	default:
		writeError(w, zerrors.Validationf("decision", "must be ACCEPT or DECLINE"))
		return
	}

	if err := s.manager.ReviewPreviewDeploy(r.Context(), environmentID, accept); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// decodeOptionalJSON tolerates an empty body; everything else must be
// valid JSON for dst.
func decodeOptionalJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the module's error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, zerrors.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, zerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, zerrors.ErrConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
