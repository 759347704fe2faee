package livestream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SellerHeader carries the authenticated seller id, set by the gateway in
// front of this service.
const SellerHeader = "X-Seller-ID"

const maxBodyBytes = 1 << 16

var errMissingSeller = errors.New("missing " + SellerHeader + " header")

// Handler exposes stream status endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
// Request and error counts are recorded by metrics.RequestMiddleware.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register mounts every stream route on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/streams", h.CreateStream)
	r.Route("/streams/{stream_id}", func(r chi.Router) {
		r.Get("/", h.GetStream)
		r.Patch("/", h.UpdateStream)
		r.Delete("/", h.DeleteStream)
		r.Get("/status", h.GetStatus)
		r.Get("/events", h.StreamEvents)
		r.Post("/mode/display", h.SwitchToDisplay)
		r.Post("/mode/video", h.SwitchToVideo)
	})
	r.Get("/sellers/{seller_id}/stream", h.GetSellerStream)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}

// writeError maps service errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errMissingSeller):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrInvalidMode):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAllocate):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	h.writeJSON(w, status, errorBody{Error: msg})
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func sellerFrom(r *http.Request) (string, error) {
	seller := r.Header.Get(SellerHeader)
	if seller == "" {
		return "", errMissingSeller
	}
	return seller, nil
}

func streamIDFrom(r *http.Request) StreamID {
	return StreamID(chi.URLParam(r, "stream_id"))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// CreateStream handles POST /streams.
// Body: { "title": "...", "liveStreamId": "...", "playbackId": "...", "streamKey": "..." }, all optional.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	seller, err := sellerFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var params CreateParams
	if err := decodeBody(r, &params); err != nil {
		h.log.Debug("invalid create body", slog.String("error", err.Error()))
		h.badRequest(w, "invalid request body")
		return
	}

	rec, err := h.svc.CreateStream(r.Context(), seller, params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

// GetStream handles GET /streams/{stream_id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetStream(r.Context(), streamIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetStatus handles GET /streams/{stream_id}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatus(r.Context(), streamIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// GetSellerStream handles GET /sellers/{seller_id}/stream.
func (h *Handler) GetSellerStream(w http.ResponseWriter, r *http.Request) {
	seller := chi.URLParam(r, "seller_id")
	if seller == "" {
		h.badRequest(w, "missing seller id")
		return
	}
	rec, err := h.svc.GetSellerStream(r.Context(), seller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// SwitchToDisplay handles POST /streams/{stream_id}/mode/display.
func (h *Handler) SwitchToDisplay(w http.ResponseWriter, r *http.Request) {
	h.switchMode(w, r, h.svc.SwitchToDisplay)
}

// SwitchToVideo handles POST /streams/{stream_id}/mode/video.
func (h *Handler) SwitchToVideo(w http.ResponseWriter, r *http.Request) {
	h.switchMode(w, r, h.svc.SwitchToVideo)
}

func (h *Handler) switchMode(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, StreamID) (*StreamRecord, error)) {
	seller, err := sellerFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := fn(r.Context(), seller, streamIDFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pub := rec.Public()
	h.writeJSON(w, http.StatusOK, switchResponse{Stream: pub, Status: rec.Status()})
}

type switchResponse struct {
	Stream StreamRecord `json:"stream"`
	Status Status       `json:"status"`
}

// UpdateStream handles PATCH /streams/{stream_id}.
// Body: { "title": "..." }.
func (h *Handler) UpdateStream(w http.ResponseWriter, r *http.Request) {
	seller, err := sellerFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body struct {
		Title *string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil || body.Title == nil {
		h.badRequest(w, "title is required")
		return
	}
	rec, err := h.svc.UpdateDetails(r.Context(), seller, streamIDFrom(r), *body.Title)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// DeleteStream handles DELETE /streams/{stream_id}.
func (h *Handler) DeleteStream(w http.ResponseWriter, r *http.Request) {
	seller, err := sellerFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteStream(r.Context(), seller, streamIDFrom(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
