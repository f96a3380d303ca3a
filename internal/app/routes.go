package app

import (
	"net/http"

	"admission-gateway/internal/handlers"
	"admission-gateway/internal/middleware"
	"admission-gateway/internal/ratelimit"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, admission, adminOnly, requestLogging func(http.Handler) http.Handler) {
	router.Use(requestLogging)

	// Operational routes are never rate limited
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/load", h.GetLoad).Methods("GET")
	router.HandleFunc("/api/circuits", h.GetCircuits).Methods("GET")

	// Operator routes change breaker state or expose another caller's reputation
	router.Handle("/api/circuits/{name}/reset", adminOnly(http.HandlerFunc(h.ResetCircuit))).Methods("POST")
	router.Handle("/api/behavior/{identity}", adminOnly(http.HandlerFunc(h.GetBehavior))).Methods("GET")

	// Admission-controlled routes
	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(admission)
	protected.HandleFunc("/ping", h.Ping).Methods("GET")
	protected.HandleFunc("/dependencies/{name}", h.ProxyDependency).Methods("GET")
}

// Handler builds the router with every route and middleware wired to the app.
func (app *App) Handler() http.Handler {
	h := handlers.New(app.Gateway, app.Monitor, app.Breakers, app.Config.DependencyEndpoints, nil, app.Logger)

	router := mux.NewRouter()
	SetupRoutes(router, h,
		middleware.Admission(app.Gateway, app.Resolver, app.Monitor, app.Logger),
		middleware.RequireClass(app.Resolver, app.Logger, ratelimit.Admin),
		middleware.Logging(app.Logger),
	)
	return router
}
