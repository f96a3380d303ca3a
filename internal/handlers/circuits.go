package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"admission-gateway/internal/circuitbreaker"
	"admission-gateway/internal/common/errors"
	"admission-gateway/internal/common/logging"

	"github.com/gorilla/mux"
)

// maxDependencyBody caps how much of a downstream reply is relayed
const maxDependencyBody = 64 << 10

type dependencyResponse struct {
	Dependency string `json:"dependency"`
	Status     int    `json:"status"`
	Body       string `json:"body"`
}

func (h *Handlers) GetCircuits(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": h.breakers.AllStats(),
	})
}

func (h *Handlers) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.breakers.Reset(name) {
		sendError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no circuit breaker named %s", name))
		return
	}
	state, _ := h.breakers.State(name)
	sendJSON(w, http.StatusOK, map[string]string{
		"name":  name,
		"state": state.String(),
	})
}

// ProxyDependency issues a GET to the configured endpoint of a dependency
// through that dependency's circuit breaker.
func (h *Handlers) ProxyDependency(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	endpoint, ok := h.endpoints[name]
	if !ok {
		sendError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no endpoint configured for %s", name))
		return
	}

	resp, err := circuitbreaker.Do(r.Context(), h.breakers, name, func(ctx context.Context) (*dependencyResponse, error) {
		return h.fetch(ctx, name, endpoint)
	})

	switch {
	case err == nil:
		sendJSON(w, http.StatusOK, resp)
	case errors.IsType(err, errors.ErrTypeCircuitOpen):
		sendError(w, http.StatusServiceUnavailable, string(errors.ErrTypeCircuitOpen), err.Error())
	case errors.IsType(err, errors.ErrTypeTimeout):
		h.logger.Warn("Dependency call timed out", logging.String("dependency", name), logging.Err(err))
		sendError(w, http.StatusGatewayTimeout, "dependency_timeout", err.Error())
	default:
		h.logger.Warn("Dependency call failed", logging.String("dependency", name), logging.Err(err))
		sendError(w, http.StatusBadGateway, "dependency_failed", err.Error())
	}
}

// fetch treats transport errors and 5xx replies as dependency failures.
// Timeouts are reported as TimeoutError.
func (h *Handlers) fetch(ctx context.Context, name, endpoint string) (*dependencyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid endpoint for %s: %v", name, err))
	}

	res, err := h.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.TimeoutError("request to "+name, err)
		}
		return nil, fmt.Errorf("request to %s failed: %w", name, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxDependencyBody))
	if err != nil {
		return nil, fmt.Errorf("reading reply from %s failed: %w", name, err)
	}

	if res.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%s replied with status %d", name, res.StatusCode)
	}

	return &dependencyResponse{
		Dependency: name,
		Status:     res.StatusCode,
		Body:       string(body),
	}, nil
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
