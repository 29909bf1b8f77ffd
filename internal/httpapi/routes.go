package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/config"
)

const BackendPath = "/api/backend"

// SetupRoutes mounts the backend socket next to the small HTTP surface the
// console needs: its configuration and read access to exported files.
func SetupRoutes(backend http.Handler, cfg config.Public, outputDir string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log.Named("HTTP")))

	r.Get("/healthz", Healthz)
	r.Get("/api/config", Config(cfg))
	r.Get("/api/json/*", OutputJSON(outputDir))
	r.Handle(BackendPath, backend)
	return r
}
