// Package server exposes a Session over HTTP: JSON scan and perturbation
// endpoints, a WebSocket stream at /ws, Prometheus metrics and /healthz.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/logger"
	"neuralmri-go/pkg/neuralmri"
)

const (
	readTimeout     = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 1 << 20
)

type Server struct {
	session *neuralmri.Session
	mux     *http.ServeMux
	handler http.Handler
	log     *slog.Logger
}

func New(session *neuralmri.Session) *Server {
	s := &Server{
		session: session,
		mux:     http.NewServeMux(),
		log:     logger.WithComponent("server"),
	}
	s.routes()
	s.handler = instrument(session.Metrics(), s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.health)
	s.mux.Handle("GET /metrics", s.session.Metrics().Handler())
	s.mux.HandleFunc("GET /ws", s.stream)

	s.mux.HandleFunc("POST /api/model/load", s.loadModel)
	s.mux.HandleFunc("GET /api/model/info", s.modelInfo)
	s.mux.HandleFunc("DELETE /api/model/unload", s.unloadModel)

	s.mux.HandleFunc("POST /api/scan/structural", s.scanStructural)
	s.mux.HandleFunc("POST /api/scan/weights", s.scanWeights)
	s.mux.HandleFunc("POST /api/scan/activation", s.scanActivation)
	s.mux.HandleFunc("POST /api/scan/circuits", s.scanCircuit)
	s.mux.HandleFunc("POST /api/scan/anomaly", s.scanAnomaly)

	s.mux.HandleFunc("GET /api/sae/info", s.saeInfo)
	s.mux.HandleFunc("GET /api/sae/support", s.saeSupport)
	s.mux.HandleFunc("POST /api/sae/scan", s.scanSAE)

	s.mux.HandleFunc("POST /api/perturb/zero", s.zeroOut)
	s.mux.HandleFunc("POST /api/perturb/amplify", s.amplify)
	s.mux.HandleFunc("POST /api/perturb/ablate", s.ablate)
	s.mux.HandleFunc("POST /api/perturb/patch", s.patch)
	s.mux.HandleFunc("POST /api/perturb/causal-trace", s.causalTrace)

	s.mux.HandleFunc("GET /api/settings/cache", s.cacheStatus)
	s.mux.HandleFunc("DELETE /api/settings/cache", s.clearCache)
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.handler,
		ReadTimeout: readTimeout,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "error", err)
		}
	}()

	s.log.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	info, err := s.session.ModelInfo()
	body := map[string]any{"status": "ok", "model_loaded": err == nil}
	if err == nil {
		body["model_id"] = info.ModelID
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.StatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.Newf(errs.ErrInvalidInput, "invalid request body: %v", err)
	}
	return nil
}
