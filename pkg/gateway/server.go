// Package gateway exposes the orchestrator over HTTP: deployment submission,
// task inspection, lifecycle actions, model endpoints, and the knowledge
// store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vespo92/boonerd/pkg/llm"
	"github.com/vespo92/boonerd/pkg/orchestrator"
	"github.com/vespo92/boonerd/pkg/telemetry"
	"github.com/vespo92/boonerd/pkg/vectorstore"
)

// Knowledge is the subset of the document store the gateway needs. Nil-able
// so deployments work without a knowledge database configured.
type Knowledge interface {
	AddBatch(ctx context.Context, texts []string, metadata []map[string]any) ([]string, error)
	Query(ctx context.Context, query string, topK int) ([]vectorstore.Match, error)
}

// Config tunes the HTTP server.
type Config struct {
	ListenAddr    string
	APIKey        string
	ReadTimeout   time.Duration
	ShutdownGrace time.Duration
}

// Server is the HTTP gateway.
type Server struct {
	cfg        Config
	dispatcher *orchestrator.Dispatcher
	embedder   llm.Embedder
	knowledge  Knowledge
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	httpSrv    *http.Server
}

// NewServer wires the gateway. embedder and knowledge may be nil when the
// corresponding endpoints are not configured; those routes then answer 503.
func NewServer(cfg Config, dispatcher *orchestrator.Dispatcher, embedder llm.Embedder, knowledge Knowledge, logger *telemetry.Logger, metrics *telemetry.Metrics) *Server {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		embedder:   embedder,
		knowledge:  knowledge,
		logger:     logger.NewComponentLogger("gateway"),
		metrics:    metrics,
	}
	if s.cfg.ReadTimeout <= 0 {
		s.cfg.ReadTimeout = 30 * time.Second
	}
	if s.cfg.ShutdownGrace <= 0 {
		s.cfg.ShutdownGrace = 15 * time.Second
	}
	return s
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /deployments", s.auth(s.handleSubmit))
	mux.HandleFunc("GET /tasks", s.auth(s.handleListTasks))
	mux.HandleFunc("GET /tasks/{taskID}", s.auth(s.handleGetTask))
	mux.HandleFunc("POST /tasks/{taskID}/cancel", s.auth(s.handleCancelTask))
	mux.HandleFunc("POST /deployments/{resourceName}/actions/{action}", s.auth(s.handleAction))

	mux.HandleFunc("POST /llm/generate", s.auth(s.handleGenerate))
	mux.HandleFunc("POST /llm/embed", s.auth(s.handleEmbed))
	mux.HandleFunc("POST /knowledge/documents", s.auth(s.handleAddDocuments))
	mux.HandleFunc("POST /knowledge/query", s.auth(s.handleKnowledgeQuery))
	mux.HandleFunc("POST /webhook", s.auth(s.handleWebhook))

	return mux
}

// ListenAndServe runs the server until ctx is cancelled, then drains with the
// configured grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.logger.WithField("addr", s.cfg.ListenAddr).Info("gateway listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// auth enforces the X-API-Key header when a key is configured. Health and
// metrics are registered outside this wrapper.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or missing API key"})
			return
		}
		next(w, r)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		s.logger.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch oe.Class {
	case orchestrator.ErrorClassValidation:
		status = http.StatusBadRequest
	case orchestrator.ErrorClassNotFound:
		status = http.StatusNotFound
	case orchestrator.ErrorClassConflict:
		status = http.StatusConflict
	case orchestrator.ErrorClassTransient:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: oe.Message, Class: string(oe.Class), Code: oe.Code})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return orchestrator.NewValidationError("malformed request body", err).
			WithCode(orchestrator.ErrCodeValidation)
	}
	return nil
}
