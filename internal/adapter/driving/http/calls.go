package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Calls   []domain.CallInfo `json:"calls"`
		Ringing []domain.PeerID   `json:"ringing"`
	}
	writeJSON(w, http.StatusOK, response{
		Calls:   h.Calls.Sessions(),
		Ringing: h.Calls.Ringing(),
	})
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(chi.URLParam(r, "peer"))
	sess, err := h.Calls.Initiate(r.Context(), peer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	peer := domain.PeerID(chi.URLParam(r, "peer"))
	sess, err := h.Calls.AcceptInbound(r.Context(), peer, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.Calls.Reject(domain.PeerID(chi.URLParam(r, "peer")))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HangUp(w http.ResponseWriter, r *http.Request) {
	h.Calls.HangUp(domain.PeerID(chi.URLParam(r, "peer")))
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var busy *domain.AlreadyInCallError
	switch {
	case errors.As(err, &busy):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoPendingCall):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
