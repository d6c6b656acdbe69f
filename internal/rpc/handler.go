package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

// Default inbound limits.
const (
	DefaultRateLimit = 1000
	DefaultRateBurst = 100
)

// SlotServer is the storage-server surface the handler exposes.
type SlotServer interface {
	NodeID() string
	SlotReadv(ctx context.Context, storageIndex []byte, shnums []int, readv []storage.ReadVector) (storage.ReadData, error)
	SlotTestvAndReadvAndWritev(ctx context.Context, storageIndex []byte, secrets storage.Secrets,
		tw map[int]storage.TestAndWriteVectors, readv []storage.ReadVector) (bool, storage.ReadData, error)
}

// HandlerConfig holds configuration for a Handler.
type HandlerConfig struct {
	Server    SlotServer
	RateLimit float64 // requests per second (default: 1000)
	RateBurst int     // burst size (default: 100)
	Logger    zerolog.Logger
}

// Handler serves the slot protocol for one storage server.
type Handler struct {
	server      SlotServer
	rateLimiter *rate.Limiter // limits incoming slot requests per second
	mux         *http.ServeMux
	logger      zerolog.Logger
}

// NewHandler creates an HTTP handler for config.Server.
func NewHandler(config HandlerConfig) *Handler {
	if config.RateLimit <= 0 {
		config.RateLimit = DefaultRateLimit
	}
	if config.RateBurst <= 0 {
		config.RateBurst = DefaultRateBurst
	}
	h := &Handler{
		server:      config.Server,
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		mux:         http.NewServeMux(),
		logger:      config.Logger.With().Str("component", "rpc-handler").Logger(),
	}
	h.mux.HandleFunc("POST "+readvPath, h.handleReadv)
	h.mux.HandleFunc("POST "+writevPath, h.handleWritev)
	h.mux.HandleFunc("GET "+nodePath, h.handleNode)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimiter.Allow() {
		h.logger.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rate limit exceeded, dropping request")
		h.writeError(w, http.StatusTooManyRequests, ErrRateLimited)
		return
	}
	w.Header().Set(protocolHeader, ProtocolVersion)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleNode(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, nodeResponse{NodeID: h.server.NodeID(), Protocol: ProtocolVersion})
}

func (h *Handler) handleReadv(w http.ResponseWriter, r *http.Request) {
	si, err := hashutil.A2B(r.PathValue("si"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("storage index: %w", err))
		return
	}
	var req readvRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	data, err := h.server.SlotReadv(r.Context(), si, req.Shnums, req.Readv)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.logger.Debug().Str("si", hashutil.SIPrefix(si)).Int("shares", len(data)).Msg("served slot readv")
	h.writeJSON(w, http.StatusOK, readvResponse{Data: data})
}

func (h *Handler) handleWritev(w http.ResponseWriter, r *http.Request) {
	si, err := hashutil.A2B(r.PathValue("si"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("storage index: %w", err))
		return
	}
	var req writevRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	applied, data, err := h.server.SlotTestvAndReadvAndWritev(r.Context(), si, req.Secrets, req.TW, req.Readv)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.logger.Debug().
		Str("si", hashutil.SIPrefix(si)).
		Int("shares", len(req.TW)).
		Bool("applied", applied).
		Msg("served slot test-and-set")
	h.writeJSON(w, http.StatusOK, writevResponse{Applied: applied, Data: data})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrBadWriteEnabler):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrInvalidOperator), errors.Is(err, storage.ErrInvalidVector):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("slot request failed")
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}
