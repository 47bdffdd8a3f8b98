package keeper

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkrivosheev/subscription-keeper/internal/http/handlers/payment/approve"
	paymentlist "github.com/mkrivosheev/subscription-keeper/internal/http/handlers/payment/list"
	"github.com/mkrivosheev/subscription-keeper/internal/http/handlers/subscription/changedate"
	"github.com/mkrivosheev/subscription-keeper/internal/http/handlers/subscription/health"
	"github.com/mkrivosheev/subscription-keeper/internal/http/handlers/subscription/starttrial"
	"github.com/mkrivosheev/subscription-keeper/internal/http/handlers/subscription/status"
	"github.com/mkrivosheev/subscription-keeper/internal/http/middlewarectx"
	subscriptionservice "github.com/mkrivosheev/subscription-keeper/internal/services/subscription"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, subscription *subscriptionservice.Service) {
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewarectx.RateLimitMiddleware(logger))
		r.Post("/subscriptions/trial", starttrial.New(logger, subscription).ServeHTTP)
		r.Post("/subscriptions/change-date", changedate.New(logger, subscription).ServeHTTP)
		r.Get("/subscriptions/{uid}/status", status.New(logger, subscription).ServeHTTP)
		r.Post("/payments/approve", approve.New(logger, subscription).ServeHTTP)
		r.Get("/payments/{uid}", paymentlist.New(logger, subscription).ServeHTTP)
	})

	r.Get("/health", health.New(logger).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
}
