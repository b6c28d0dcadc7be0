// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"raffleBridge/internal/bridge"
	"raffleBridge/internal/engine"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/lottery"
)

// Server serves the engine's HTTP surface.
type Server struct {
	env    *engine.Env
	logger *zap.Logger
}

func NewServer(env *engine.Env, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{env: env, logger: logger}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Options("/*", corsHeaders)

	r.Get("/networks", s.networks)
	r.Get("/snapshot/{network}", s.snapshot)
	r.Post("/refresh", s.refresh)
	r.Get("/balances/{network}/{address}", s.balances)

	r.Get("/fee", s.fee)
	r.Post("/transfers", s.createTransfer)
	r.Get("/transfers", s.listTransfers)
	r.Get("/transfers/{id}", s.getTransfer)
	r.Get("/operations/{ref}", s.operation)

	r.Post("/upkeep", s.triggerUpkeep)
	r.Get("/upkeep/eligible", s.upkeepEligible)

	r.Post("/entries", s.enter)
	r.Delete("/entries", s.cancel)

	r.Get("/signer", s.signerInfo)
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("http service started", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http service stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func corsHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, Origin, X-Requested-With")
}

// APIResponse is the error envelope.
type APIResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func responseJSON(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func badRequest(w http.ResponseWriter, field, message string) {
	responseJSON(w, &APIResponse{Status: "error", Field: field, Message: message}, http.StatusBadRequest)
}

// responseError maps an engine error to a status code by its failure kind.
func (s *Server) responseError(w http.ResponseWriter, op string, err error) {
	kind := failure.KindOf(err)
	code := statusFor(kind, err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Info(op+" rejected", zap.String("kind", kind.String()), zap.Error(err))
	}
	resp := &APIResponse{Status: "error", Reason: failure.ReasonOf(err), Message: err.Error()}
	if kind != failure.KindUnknown {
		resp.Kind = kind.String()
	}
	responseJSON(w, resp, code)
}

func statusFor(kind failure.Kind, err error) int {
	switch kind {
	case failure.Unsupported:
		return http.StatusBadRequest
	case failure.SignerUnavailable:
		return http.StatusUnauthorized
	case failure.UserDeclined, failure.NotEligible:
		return http.StatusConflict
	case failure.Simulation, failure.Reverted:
		return http.StatusUnprocessableEntity
	case failure.FeeUnavailable:
		return http.StatusServiceUnavailable
	case failure.SettlementPending:
		return http.StatusAccepted
	case failure.Submission:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, bridge.ErrInvalidAmount), errors.Is(err, bridge.ErrSameNetwork):
		return http.StatusBadRequest
	case errors.Is(err, lottery.ErrNotOpen):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
