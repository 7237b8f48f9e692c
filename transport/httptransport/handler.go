// Package httptransport exposes the sync engine over HTTP: a chi-based
// server handler plus a typed client. All endpoints speak JSON and operate
// on the authenticated user's data only.
package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/upcoach/deltasync"
	syncerrors "github.com/upcoach/deltasync/errors"
	"github.com/upcoach/deltasync/logging"
)

// DefaultMaxRequestSize bounds the request body accepted by the handler.
const DefaultMaxRequestSize int64 = 10 << 20 // 10 MB

// Handler serves the sync endpoints over an Orchestrator.
type Handler struct {
	orchestrator   *deltasync.Orchestrator
	logger         *logging.Logger
	maxRequestSize int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxRequestSize overrides the request body size limit.
func WithMaxRequestSize(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxRequestSize = n
		}
	}
}

// WithHandlerLogger overrides the handler's logger.
func WithHandlerLogger(logger *logging.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a sync HTTP handler.
func NewHandler(orchestrator *deltasync.Orchestrator, opts ...HandlerOption) *Handler {
	h := &Handler{
		orchestrator:   orchestrator,
		maxRequestSize: DefaultMaxRequestSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.WithComponent("http-transport")
	}
	return h
}

// Routes returns the sync router. Callers mount it under their API prefix
// and are responsible for wrapping it in authentication middleware; every
// handler requires a user ID in the request context.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/pull", h.handlePull)
	r.Post("/push", h.handlePush)
	r.Get("/status", h.handleStatus)
	return r
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req deltasync.DeltaRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.EntityType == "" {
		respondWithError(w, http.StatusBadRequest, "entityType is required")
		return
	}

	resp, err := h.orchestrator.Delta().Changes(r.Context(), userID, req)
	if err != nil {
		h.respondFromError(w, r, err, "pull failed")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req deltasync.SyncRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	resp, err := h.orchestrator.Sync(r.Context(), userID, req)
	if err != nil {
		h.respondFromError(w, r, err, "push failed")
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	status, err := h.orchestrator.Status(r.Context(), userID, r.URL.Query().Get("cursor"))
	if err != nil {
		h.respondFromError(w, r, err, "status failed")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// decodeBody reads a JSON request body into dst, writing the error response
// itself on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			respondWithError(w, http.StatusRequestEntityTooLarge, "request entity too large")
		case errors.Is(err, io.EOF):
			respondWithError(w, http.StatusBadRequest, "empty request body")
		default:
			respondWithError(w, http.StatusBadRequest, "malformed JSON body")
		}
		return false
	}
	return true
}

func (h *Handler) respondFromError(w http.ResponseWriter, r *http.Request, err error, message string) {
	h.logger.LogError(r.Context(), err, message, slog.String("path", r.URL.Path))

	if syncerrors.IsUnknownEntityType(err) {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithError(w, http.StatusInternalServerError, message)
}
