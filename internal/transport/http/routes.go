package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "patient-intake-service/docs"
)

func Routes(h *Handler, secret string, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// after RequestID so the id is in the context
	r.Use(RequestLogger(log))

	r.Get("/health", h.Health)

	r.With(RequireSecret(secret)).Post("/crear-paciente", h.CreatePatient)

	r.Post("/rellenar-isiclinic", h.FillNow)
	r.Get("/test-login", h.TestLogin)

	r.Route("/jobs", func(r chi.Router) {
		r.Use(RequireSecret(secret))
		r.Get("/failed", h.FailedJobs)
		r.Get("/{id}", h.GetJob)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
