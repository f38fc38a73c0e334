package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/gateway/ws"
	"github.com/yaront1111/mandarin-sub007/internal/core/service"
)

const defaultPingInterval = 30 * time.Second

type Handler struct {
	Calls        *service.CallService
	Hub          *ws.Hub
	PingInterval time.Duration
}

func NewHandler(calls *service.CallService, hub *ws.Hub) *Handler {
	return &Handler{
		Calls:        calls,
		Hub:          hub,
		PingInterval: defaultPingInterval,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/stats", h.Stats)
	r.Get("/ws", h.ServeWS)

	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

type statsResponse struct {
	service.Stats
	OnlineUsers int `json:"onlineUsers"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Stats:       h.Calls.Stats(r.Context()),
		OnlineUsers: h.Hub.Online(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("Failed to write stats")
	}
}
