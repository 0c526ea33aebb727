package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/activity"
	"github.com/joel-Y/WizLock-Tech-App/internal/auth"
	"github.com/joel-Y/WizLock-Tech-App/internal/http/handlers"
	"github.com/joel-Y/WizLock-Tech-App/internal/metrics"
	"github.com/joel-Y/WizLock-Tech-App/internal/middleware"
	"github.com/joel-Y/WizLock-Tech-App/internal/provision"
)

// Deps are the services behind the API. Uploader, Metrics and the limiters
// may be nil. ScanLimiter throttles radio scans per client.
type Deps struct {
	Auth         *auth.Service
	Coordinator  *provision.Coordinator
	Diagnostics  *provision.Diagnostics
	Locations    handlers.LocationSource
	Logs         *activity.Log
	Uploader     activity.Uploader
	Metrics      *metrics.Metrics
	LoginLimiter *middleware.RateLimiter
	ScanLimiter  *middleware.RateLimiter
	Log          zerolog.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(d.Log, d.Metrics))

	authHandler := handlers.NewAuthHandler(d.Auth, d.LoginLimiter, d.Log)
	locations := handlers.NewLocationsHandler(d.Locations)
	provisioning := handlers.NewProvisioningHandler(d.Coordinator, d.Log)
	diagnostics := handlers.NewDiagnosticsHandler(d.Diagnostics, d.Log)
	logs := handlers.NewLogsHandler(d.Logs, d.Uploader, d.Metrics, d.Log)

	r.Get("/health", handlers.NewHealthHandler().ServeHTTP)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Post("/auth/login", authHandler.HandleLogin)

	// Protected routes (require the current session's token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.Auth))

		r.Post("/auth/logout", authHandler.HandleLogout)
		r.Get("/me", authHandler.HandleMe)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/navigation", authHandler.HandleNavigation)

			r.Route("/locations", func(r chi.Router) {
				r.Get("/buildings", locations.HandleBuildings)
				r.Get("/buildings/{id}/floors", locations.HandleFloors)
				r.Get("/floors/{id}/rooms", locations.HandleRooms)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapProvision))
				r.Group(func(r chi.Router) {
					if d.ScanLimiter != nil {
						r.Use(middleware.RateLimitMiddleware(d.ScanLimiter, middleware.GetIPKey))
					}
					r.Post("/scan", provisioning.HandleScan)
					r.Post("/scan/qr", provisioning.HandleScanQR)
				})
				r.Route("/provisioning", func(r chi.Router) {
					r.Post("/", provisioning.HandleStart)
					r.Get("/history", provisioning.HandleHistory)
					r.Get("/{id}", provisioning.HandleGet)
					r.Delete("/{id}", provisioning.HandleCancel)
					r.Get("/{id}/events", provisioning.HandleEvents)
				})
			})

			r.Route("/diagnostics", func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapDiagnostics))
				r.Post("/run", diagnostics.HandleRun)
				r.Post("/{mac}/firmware", diagnostics.HandleFirmware)
				r.Post("/{mac}/reset", diagnostics.HandleReset)
				r.With(middleware.RequireCapability(auth.CapDiagnosticsAdvanced)).
					Get("/{mac}/signal", diagnostics.HandleSignal)
			})

			r.Get("/logs", logs.HandleList)
			r.With(middleware.RequireCapability(auth.CapLogsSync)).
				Post("/logs/sync", logs.HandleSync)

			r.With(middleware.RequireCapability(auth.CapUsersManage)).
				Get("/admin/users", authHandler.HandleListUsers)
		})
	})

	return r
}
