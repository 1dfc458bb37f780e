// server.go is the HTTP transport: a single JSON-RPC endpoint with batch
// support, plus the operational surface (health probes, metrics).
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/aabundler/aabundler/config"
	"github.com/aabundler/aabundler/log"
	"github.com/aabundler/aabundler/metrics"
)

const (
	// maxBodyBytes bounds a request body; a full batch of maximal ops fits
	// comfortably.
	maxBodyBytes = 4 << 20
	// maxBatchRequests bounds a single batch.
	maxBatchRequests = 100
	// batchParallelism bounds concurrent handling within one batch.
	batchParallelism = 8
)

// Server is the public HTTP server.
type Server struct {
	cfg     config.HTTPConfig
	api     *API
	limiter *RateLimiter
	lg      *log.Logger

	router *mux.Router
	http   *http.Server
}

// NewServer assembles the router. Health probes are attached by the caller
// through Mount before Start.
func NewServer(cfg config.HTTPConfig, api *API, limiter *RateLimiter, m *metrics.Metrics, lg *log.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		api:     api,
		limiter: limiter,
		lg:      lg.Module("rpc"),
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second, // a receipt-polling call may be slow
	}
	return s
}

// Mount attaches an extra GET handler, used for the health probes.
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handle(path, h).Methods(http.MethodGet)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.lg.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rpc: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the assembled handler, used by httptest in tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests,
			errorResponse(nil, CodeRateLimited, "rate limit exceeded"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "unreadable body"))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "empty body"))
		return
	}

	if body[0] == '[' {
		s.handleBatch(r.Context(), w, body)
		return
	}
	s.handleSingle(r.Context(), w, body)
}

func (s *Server) handleSingle(ctx context.Context, w http.ResponseWriter, body []byte) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "parse error"))
		return
	}
	if !req.valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, CodeInvalidRequest, "invalid request"))
		return
	}
	writeJSON(w, http.StatusOK, s.api.Handle(ctx, &req))
}

// handleBatch runs batch elements with bounded parallelism and preserves
// input order in the response array. Malformed elements get a per-element
// error instead of failing the whole batch.
func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "parse error"))
		return
	}
	if len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "empty batch"))
		return
	}
	if len(raw) > maxBatchRequests {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest,
			fmt.Sprintf("batch exceeds %d requests", maxBatchRequests)))
		return
	}

	responses := make([]*Response, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i, elem := range raw {
		g.Go(func() error {
			var req Request
			if err := json.Unmarshal(elem, &req); err != nil {
				responses[i] = errorResponse(nil, CodeInvalidRequest, "invalid request")
				return nil
			}
			responses[i] = s.api.Handle(gctx, &req)
			return nil
		})
	}
	_ = g.Wait()
	writeJSON(w, http.StatusOK, responses)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
