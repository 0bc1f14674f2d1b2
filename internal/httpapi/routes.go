package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/moonshot/internal/journal"
	"github.com/DoyleJ11/moonshot/internal/server"
	"github.com/DoyleJ11/moonshot/internal/spectate"
)

// Deps wires the admin surface. Routes whose dependency is nil are not
// mounted.
type Deps struct {
	Status     func() server.Status
	Journal    journal.Journal
	Spectators *spectate.Hub
	Gatherer   prometheus.Gatherer
	Log        *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	if d.Status != nil {
		r.Get("/status", Status(d.Status))
	}
	if d.Journal != nil {
		r.Get("/turns", Turns(d.Journal, log))
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	if d.Spectators != nil {
		r.Get("/spectate", Spectate(d.Spectators, log))
	}
	return r
}
