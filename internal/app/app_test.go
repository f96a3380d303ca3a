package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"admission-gateway/internal/behavior"
	"admission-gateway/internal/circuitbreaker"
	"admission-gateway/internal/config"
	"admission-gateway/internal/loadmonitor"
	"admission-gateway/internal/middleware"
	"admission-gateway/internal/ratelimit"
	"admission-gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleSampler struct{}

func (idleSampler) Sample(ctx context.Context) (loadmonitor.HostUsage, error) {
	return loadmonitor.HostUsage{CPUPercent: 5, MemoryPercent: 20}, nil
}

func testConfig() *config.Config {
	rules := ratelimit.DefaultRules()
	rules[ratelimit.Anonymous] = ratelimit.RateLimitRule{Limit: 2, Window: time.Minute, PenaltyMultiplier: 1}

	return &config.Config{
		Port:                  "0",
		StoreBackend:          config.StoreBackendMemory,
		RedisKeyPrefix:        "test:",
		StoreTimeout:          250 * time.Millisecond,
		Rules:                 rules,
		Abuse:                 behavior.DefaultAbuseConfig(),
		Behavior:              behavior.DefaultTrackerConfig(),
		Load:                  loadmonitor.DefaultConfig(),
		CircuitBreakerBackend: circuitbreaker.BackendNative,
		CircuitBreaker:        circuitbreaker.DefaultConfig(),
	}
}

func TestApp_ServeEndToEnd(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer downstream.Close()

	cfg := testConfig()
	cfg.DependencyEndpoints = map[string]string{"payments": downstream.URL}

	app, err := New(cfg, idleSampler{})
	require.NoError(t, err)
	defer app.Cleanup()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + l.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, l) }()

	get := func(path string, header map[string]string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, base+path, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp = get("/api/ping", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "anonymous", resp.Header.Get("X-RateLimit-Class"))
	}
	resp = get("/api/ping", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// operational routes bypass admission
	resp = get("/api/load", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var load struct {
		LoadFactor float64 `json:"load_factor"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&load))
	assert.Equal(t, 1.0, load.LoadFactor)

	apiKey := map[string]string{"X-API-Key": "secret-key"}
	resp = get("/api/dependencies/payments", apiKey)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api_key", resp.Header.Get("X-RateLimit-Class"))

	resp = get("/api/circuits", nil)
	var circuits struct {
		Circuits []circuitbreaker.Stats `json:"circuits"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&circuits))
	require.Len(t, circuits.Circuits, 1)
	assert.Equal(t, "payments", circuits.Circuits[0].Name)
	assert.Equal(t, "closed", circuits.Circuits[0].State)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestApp_OperatorRoutesRequireAdmin(t *testing.T) {
	const secret = "operator-secret-that-is-long-enough"
	cfg := testConfig()
	cfg.JWTSecret = secret

	app, err := New(cfg, idleSampler{})
	require.NoError(t, err)
	defer app.Cleanup()

	server := httptest.NewServer(app.Handler())
	defer server.Close()

	token := func(tier string) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
			Tier:             tier,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"},
		}).SignedString([]byte(secret))
		require.NoError(t, err)
		return "Bearer " + signed
	}

	do := func(method, path, authorization string) int {
		req, err := http.NewRequest(method, server.URL+path, nil)
		require.NoError(t, err)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/api/circuits/payments/reset", ""))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/behavior/ip:10.0.0.1", ""))
	assert.Equal(t, http.StatusForbidden, do(http.MethodGet, "/api/behavior/ip:10.0.0.1", token("premium")))

	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/api/circuits/payments/reset", token("admin")))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/behavior/ip:10.0.0.1", token("admin")))

	// read-only operational routes stay open
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/circuits", ""))
}

func TestNew_RedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig()
	cfg.StoreBackend = config.StoreBackendRedis
	cfg.RedisAddress = mr.Addr()
	cfg.RedisPoolSize = 5

	app, err := New(cfg, idleSampler{})
	require.NoError(t, err)
	defer app.Cleanup()

	_, ok := app.Store.(*store.RedisStore)
	require.True(t, ok)

	result, err := app.Gateway.Check(context.Background(), "ip:10.0.0.1", ratelimit.Anonymous)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, key := range keys {
		assert.True(t, strings.HasPrefix(key, "test:"), key)
	}
}

func TestNew_Failures(t *testing.T) {
	t.Run("unreachable redis", func(t *testing.T) {
		cfg := testConfig()
		cfg.StoreBackend = config.StoreBackendRedis
		cfg.RedisAddress = "127.0.0.1:1"

		_, err := New(cfg, idleSampler{})
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := testConfig()
		cfg.StoreBackend = "etcd"

		_, err := New(cfg, idleSampler{})
		assert.Error(t, err)
	})

	t.Run("invalid rules", func(t *testing.T) {
		cfg := testConfig()
		cfg.Rules[ratelimit.Premium] = ratelimit.RateLimitRule{Limit: 0, Window: time.Minute, PenaltyMultiplier: 1}

		_, err := New(cfg, idleSampler{})
		assert.Error(t, err)
	})
}
