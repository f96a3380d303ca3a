package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"admission-gateway/internal/circuitbreaker"
	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/loadmonitor"
	"admission-gateway/internal/store"

	"github.com/gorilla/mux"
)

// Gateway is the part of admission.Gateway the status routes read.
type Gateway interface {
	Health(ctx context.Context) error
	Stats(ctx context.Context, identity string) (store.BehaviorStats, float64, error)
	StoreFailures() int64
}

// LoadReporter exposes the latest load sample.
type LoadReporter interface {
	Snapshot() loadmonitor.LoadSnapshot
	CurrentLoadFactor() float64
}

type Handlers struct {
	gateway   Gateway
	load      LoadReporter
	breakers  *circuitbreaker.Manager
	endpoints map[string]string
	client    *http.Client
	logger    logging.Logger
}

func New(gateway Gateway, load LoadReporter, breakers *circuitbreaker.Manager, endpoints map[string]string, client *http.Client, logger logging.Logger) *Handlers {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Handlers{
		gateway:   gateway,
		load:      load,
		breakers:  breakers,
		endpoints: endpoints,
		client:    client,
		logger:    logging.OrGlobal(logger),
	}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now(),
		"store_status":   "healthy",
		"store_failures": h.gateway.StoreFailures(),
	}

	if err := h.gateway.Health(r.Context()); err != nil {
		// admission keeps working fail-open, so a store outage only degrades
		health["status"] = "degraded"
		health["store_status"] = "unavailable"
		health["store_error"] = err.Error()
	}

	sendJSON(w, http.StatusOK, health)
}

func (h *Handlers) GetLoad(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":    h.load.Snapshot(),
		"load_factor": h.load.CurrentLoadFactor(),
	})
}

func (h *Handlers) GetBehavior(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	stats, score, err := h.gateway.Stats(r.Context(), identity)
	if err != nil {
		h.logger.Warn("Behavior stats unavailable", logging.String("identity", identity), logging.Err(err))
		sendError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"identity": identity,
		"stats":    stats,
		"score":    score,
	})
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// Ping is the demo route behind the admission middleware.
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	identity, _ := r.Context().Value(logging.IdentityKey).(string)
	sendJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"identity": identity,
	})
}
