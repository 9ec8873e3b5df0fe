package http

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler serves the relay endpoints when Hub is set and the local call API
// when Calls is set.
type Handler struct {
	Hub    *ws.Hub
	Calls  *service.CallService
	Events *EventHub
}

func NewRelayHandler(hub *ws.Hub) *Handler {
	return &Handler{Hub: hub}
}

func NewCallHandler(calls *service.CallService, events *EventHub) *Handler {
	return &Handler{Calls: calls, Events: events}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if h.Hub != nil {
		r.Get("/ws", h.ServeWS)
	}

	if h.Calls != nil {
		r.Route("/calls", func(r chi.Router) {
			r.Get("/", h.ListCalls)
			r.Post("/{peer}", h.Initiate)
			r.Delete("/{peer}", h.HangUp)
			r.Post("/{peer}/accept", h.Accept)
			r.Post("/{peer}/reject", h.Reject)
		})
	}
	if h.Events != nil {
		r.Get("/events", h.Events.ServeWS)
	}

	return r
}
