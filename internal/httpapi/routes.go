package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DoyleJ11/crash-client/internal/hub"
)

func SetupRoutes(h *hub.Hub) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/stats", Stats(h.Monitor))
	r.Get("/state", State(h.Projector))
	r.Get("/history", History(h.Recorder))
	r.Handle("/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}))

	r.Post("/reconnect", Reconnect(h.Manager))
	r.Post("/disconnect", Disconnect(h.Manager))
	return r
}
