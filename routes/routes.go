package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/phi-audit-core/app"
	"github.com/upb/phi-audit-core/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID", "X-Export-Rows", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	health := newHealthHandler(deps)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// PHI detection is a pre-submission check open to any caller
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.OptionalAuth)

			phiHandler := handlers.NewPHIHandler(deps.Detector, scanCounter(deps), auditRecorder(deps), deps.Logger)
			if deps.Metrics != nil {
				phiHandler.WithMetrics(deps.Metrics)
			}
			r.Post("/phi/detect", phiHandler.HandleDetect)
		})

		// Compliance endpoints (require admin role)
		r.Route("/compliance", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(deps.Config.Auth.AdminRole))

			compliance := handlers.NewComplianceHandler(deps.Compliance, auditRecorder(deps), deps.Logger)
			r.Get("/audit-logs", compliance.HandleListAuditLogs)
			r.Get("/audit-logs/export", compliance.HandleExportAuditLogs)
			r.Get("/statistics", compliance.HandleGetStatistics)
			r.Get("/activity", compliance.HandleGetActivity)
			r.Get("/top-actors", compliance.HandleGetTopActors)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}

// The helpers below keep nil pointers out of the handler interfaces.

func newHealthHandler(deps *app.Dependencies) *handlers.HealthHandler {
	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	var stats handlers.AuditStatsProvider
	if deps.AuditLog != nil {
		stats = deps.AuditLog
	}
	return handlers.NewHealthHandler(db, stats, deps.Logger)
}

func auditRecorder(deps *app.Dependencies) handlers.AuditRecorder {
	if deps.AuditLog == nil {
		return nil
	}
	return deps.AuditLog
}

func scanCounter(deps *app.Dependencies) handlers.ScanCounter {
	if deps.Usage == nil {
		return nil
	}
	return deps.Usage
}
