// Package config loads the admission gateway configuration from environment
// variables with defaults and validates it before startup.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Log file path, stdout when empty
//
// Counter Store:
//   - STORE_BACKEND: "memory" or "redis" (default: memory)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - REDIS_KEY_PREFIX: Prefix for every counter key (default: admission:)
//   - STORE_TIMEOUT: Deadline for one store operation, at most 1s (default: 250ms)
//
// Rate Limits, one group per caller class (ANONYMOUS, AUTHENTICATED, PREMIUM, API_KEY, ADMIN):
//   - RATE_LIMIT_<CLASS>_LIMIT: Requests per window
//   - RATE_LIMIT_<CLASS>_WINDOW: Window length (e.g. 1m)
//   - RATE_LIMIT_<CLASS>_BURST: Burst allowance
//   - RATE_LIMIT_<CLASS>_PENALTY: Penalty multiplier, at least 1
//
// Abuse Detection and Behavior:
//   - ABUSE_WINDOW: Abuse detection window (default: 10s)
//   - ABUSE_THRESHOLD: Requests per abuse window before a veto (default: 50)
//   - BEHAVIOR_TTL: Lifetime of behavior stats since last update (default: 24h)
//   - BEHAVIOR_ERROR_RATIO: Error ratio above which the score is halved (default: 0.10)
//
// Load Monitor:
//   - LOAD_SAMPLE_INTERVAL: Host sampling interval, at least 1s (default: 30s)
//   - LOAD_MEMORY_HIGH: Memory percentage for the strongest reduction (default: 80)
//   - LOAD_MEMORY_ELEVATED: Memory percentage for the mild reduction (default: 60)
//   - LOAD_CONNECTIONS_HIGH_WATER: Active connections before reduction (default: 1000)
//
// Circuit Breakers:
//   - CIRCUIT_BREAKER_BACKEND: "native" or "gobreaker" (default: native)
//   - CIRCUIT_BREAKER_FAILURE_THRESHOLD: Consecutive failures before opening (default: 5)
//   - CIRCUIT_BREAKER_RECOVERY_TIMEOUT: Open duration before a probe (default: 60s)
//   - CIRCUIT_BREAKER_OVERRIDES: Per dependency settings, "name=threshold/timeout,..."
//   - DEPENDENCY_ENDPOINTS: Downstream URLs, "name=url;..."
//
// Security:
//   - JWT_SECRET: HS256 secret for bearer tokens, at least 32 characters when set
//   - TRUSTED_PROXIES: Comma separated proxy addresses or CIDRs whose forwarding
//     headers are honored; empty means the peer address is always used
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"admission-gateway/internal/behavior"
	"admission-gateway/internal/circuitbreaker"
	"admission-gateway/internal/common/errors"
	"admission-gateway/internal/common/validation"
	"admission-gateway/internal/loadmonitor"
	"admission-gateway/internal/ratelimit"

	"go.uber.org/multierr"
)

const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"

	// MaxStoreTimeout bounds STORE_TIMEOUT so a slow store cannot stall admission
	MaxStoreTimeout = time.Second
)

// Config holds all configuration values for the admission gateway.
// Load fills it from the environment; Validate must pass before it is used.
type Config struct {
	// Application settings
	Port     string // Server port number
	LogLevel string // Logging level (debug, info, warn, error)
	LogFile  string // Optional log file path

	// Counter store
	StoreBackend   string        // "memory" or "redis"
	RedisAddress   string        // Redis server address (host:port)
	RedisPassword  string        // Redis authentication password
	RedisDB        int           // Redis database number (0-15)
	RedisPoolSize  int           // Redis connection pool size
	RedisKeyPrefix string        // Prefix applied to every counter key
	StoreTimeout   time.Duration // Per operation store deadline

	// Admission
	Rules    map[ratelimit.CallerClass]ratelimit.RateLimitRule
	Abuse    behavior.AbuseConfig
	Behavior behavior.TrackerConfig
	Load     loadmonitor.Config

	// Circuit breakers
	CircuitBreakerBackend   circuitbreaker.Backend
	CircuitBreaker          circuitbreaker.Config
	CircuitBreakerOverrides map[string]circuitbreaker.Config
	DependencyEndpoints     map[string]string

	JWTSecret      string         // Secret for bearer token verification (optional)
	TrustedProxies []netip.Prefix // Peers allowed to set X-Forwarded-For

	// values that could not be parsed, reported by Validate
	parseErrors []error
}

// Load creates a Config from environment variables, using defaults for
// anything unset. Values that fail to parse are reported by Validate.
func Load() *Config {
	env := &envReader{}

	storeTimeout := env.getDuration("STORE_TIMEOUT", ratelimit.DefaultStoreTimeout)

	abuseDefaults := behavior.DefaultAbuseConfig()
	trackerDefaults := behavior.DefaultTrackerConfig()
	loadDefaults := loadmonitor.DefaultConfig()
	breakerDefaults := circuitbreaker.DefaultConfig()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", StoreBackendMemory)),
		RedisAddress:   getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        env.getInt("REDIS_DB", 0),
		RedisPoolSize:  env.getInt("REDIS_POOL_SIZE", 10),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "admission:"),
		StoreTimeout:   storeTimeout,

		Rules: env.rules(ratelimit.DefaultRules()),
		Abuse: behavior.AbuseConfig{
			Window:       env.getDuration("ABUSE_WINDOW", abuseDefaults.Window),
			Threshold:    env.getInt("ABUSE_THRESHOLD", abuseDefaults.Threshold),
			StoreTimeout: storeTimeout,
		},
		Behavior: behavior.TrackerConfig{
			StatsTTL:            env.getDuration("BEHAVIOR_TTL", trackerDefaults.StatsTTL),
			ErrorRatioThreshold: env.getFloat("BEHAVIOR_ERROR_RATIO", trackerDefaults.ErrorRatioThreshold),
			StoreTimeout:        storeTimeout,
		},
		Load: loadmonitor.Config{
			SampleInterval:        env.getDuration("LOAD_SAMPLE_INTERVAL", loadDefaults.SampleInterval),
			MemoryHighPercent:     env.getFloat("LOAD_MEMORY_HIGH", loadDefaults.MemoryHighPercent),
			MemoryElevatedPercent: env.getFloat("LOAD_MEMORY_ELEVATED", loadDefaults.MemoryElevatedPercent),
			ConnectionsHighWater:  int64(env.getInt("LOAD_CONNECTIONS_HIGH_WATER", int(loadDefaults.ConnectionsHighWater))),
		},

		CircuitBreakerBackend: circuitbreaker.Backend(strings.ToLower(getEnv("CIRCUIT_BREAKER_BACKEND", string(circuitbreaker.BackendNative)))),
		CircuitBreaker: circuitbreaker.Config{
			FailureThreshold: env.getInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", breakerDefaults.FailureThreshold),
			RecoveryTimeout:  env.getDuration("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", breakerDefaults.RecoveryTimeout),
		},

		JWTSecret: getEnv("JWT_SECRET", ""),
	}

	cfg.CircuitBreakerOverrides = env.breakerOverrides("CIRCUIT_BREAKER_OVERRIDES", cfg.CircuitBreaker)
	cfg.DependencyEndpoints = env.endpoints("DEPENDENCY_ENDPOINTS")
	cfg.TrustedProxies = env.prefixes("TRUSTED_PROXIES")
	cfg.parseErrors = env.errs

	return cfg
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed variables and remembers every value it could not parse.
type envReader struct {
	errs []error
}

func (e *envReader) fail(key, value, want string) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q is not a valid %s", key, value, want))
}

func (e *envReader) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		e.fail(key, value, "integer")
		return defaultValue
	}
	return parsed
}

func (e *envReader) getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		e.fail(key, value, "number")
		return defaultValue
	}
	return parsed
}

func (e *envReader) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		e.fail(key, value, "duration (e.g. '250ms', '1m')")
		return defaultValue
	}
	return parsed
}

// rules overlays RATE_LIMIT_<CLASS>_* variables on the defaults.
func (e *envReader) rules(defaults map[ratelimit.CallerClass]ratelimit.RateLimitRule) map[ratelimit.CallerClass]ratelimit.RateLimitRule {
	rules := make(map[ratelimit.CallerClass]ratelimit.RateLimitRule, len(defaults))
	for class, rule := range defaults {
		prefix := "RATE_LIMIT_" + class.EnvName()
		rules[class] = ratelimit.RateLimitRule{
			Limit:             e.getInt(prefix+"_LIMIT", rule.Limit),
			Window:            e.getDuration(prefix+"_WINDOW", rule.Window),
			BurstLimit:        e.getInt(prefix+"_BURST", rule.BurstLimit),
			PenaltyMultiplier: e.getFloat(prefix+"_PENALTY", rule.PenaltyMultiplier),
		}
	}
	return rules
}

// breakerOverrides parses "name=threshold/timeout,...". Either half may be
// empty to inherit the default, e.g. "payments=3/,email=/2m".
func (e *envReader) breakerOverrides(key string, defaults circuitbreaker.Config) map[string]circuitbreaker.Config {
	overrides := make(map[string]circuitbreaker.Config)
	for _, entry := range splitList(os.Getenv(key), ",") {
		name, setting, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			e.fail(key, entry, "override (name=threshold/timeout)")
			continue
		}

		thresholdPart, timeoutPart, _ := strings.Cut(setting, "/")
		config := defaults
		if s := strings.TrimSpace(thresholdPart); s != "" {
			threshold, err := strconv.Atoi(s)
			if err != nil {
				e.fail(key, entry, "failure threshold")
				continue
			}
			config.FailureThreshold = threshold
		}
		if s := strings.TrimSpace(timeoutPart); s != "" {
			timeout, err := time.ParseDuration(s)
			if err != nil {
				e.fail(key, entry, "recovery timeout")
				continue
			}
			config.RecoveryTimeout = timeout
		}
		overrides[name] = config
	}
	return overrides
}

// endpoints parses "name=url;...".
func (e *envReader) endpoints(key string) map[string]string {
	endpoints := make(map[string]string)
	for _, entry := range splitList(os.Getenv(key), ";") {
		name, target, ok := strings.Cut(entry, "=")
		name, target = strings.TrimSpace(name), strings.TrimSpace(target)
		if !ok || name == "" || target == "" {
			e.fail(key, entry, "endpoint (name=url)")
			continue
		}
		endpoints[name] = target
	}
	return endpoints
}

// prefixes parses a comma separated list of CIDRs or bare addresses.
func (e *envReader) prefixes(key string) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, entry := range splitList(os.Getenv(key), ",") {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			e.fail(key, entry, "address or CIDR")
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes
}

func splitList(value, sep string) []string {
	var items []string
	for _, item := range strings.Split(value, sep) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Validate checks parsed values, ranges and cross-field requirements. Rule
// problems are reported as InvalidRule errors, everything else as config errors.
func (c *Config) Validate() error {
	if len(c.parseErrors) > 0 {
		return errors.ConfigError(multierr.Combine(c.parseErrors...).Error())
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return errors.ConfigError("PORT must be a valid port number between 1 and 65535")
	}

	switch c.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if c.RedisAddress == "" {
			return errors.ConfigError("REDIS_ADDRESS is required when STORE_BACKEND is redis")
		}
		if err := validation.ValidateVar(c.RedisAddress, "hostname_port"); err != nil {
			return errors.ConfigError(fmt.Sprintf("REDIS_ADDRESS: %v", err))
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return errors.ConfigError("REDIS_DB must be a number between 0 and 15")
		}
		if c.RedisPoolSize < 1 {
			return errors.ConfigError("REDIS_POOL_SIZE must be a positive number")
		}
	default:
		return errors.ConfigError("STORE_BACKEND must be 'memory' or 'redis'")
	}

	if c.StoreTimeout <= 0 || c.StoreTimeout > MaxStoreTimeout {
		return errors.ConfigError(fmt.Sprintf("STORE_TIMEOUT must be greater than 0 and at most %s", MaxStoreTimeout))
	}

	for _, class := range ratelimit.AllClasses() {
		rule, ok := c.Rules[class]
		if !ok {
			return errors.InvalidRuleError(fmt.Sprintf("no rule configured for caller class %s", class))
		}
		if err := validation.ValidateStruct(rule); err != nil {
			return errors.InvalidRuleError(fmt.Sprintf("RATE_LIMIT_%s: %v", class.EnvName(), err)).
				WithContext("caller_class", class.String())
		}
	}

	if err := validation.ValidateStruct(c.Abuse); err != nil {
		return errors.ConfigError(fmt.Sprintf("abuse detection: %v", err))
	}
	if err := validation.ValidateStruct(c.Behavior); err != nil {
		return errors.ConfigError(fmt.Sprintf("behavior tracking: %v", err))
	}
	if err := validation.ValidateStruct(c.Load); err != nil {
		return errors.ConfigError(fmt.Sprintf("load monitor: %v", err))
	}

	switch c.CircuitBreakerBackend {
	case circuitbreaker.BackendNative, circuitbreaker.BackendGoBreaker:
	default:
		return errors.ConfigError("CIRCUIT_BREAKER_BACKEND must be 'native' or 'gobreaker'")
	}
	if err := validation.ValidateStruct(c.CircuitBreaker); err != nil {
		return errors.ConfigError(fmt.Sprintf("circuit breaker: %v", err))
	}
	for name, override := range c.CircuitBreakerOverrides {
		if err := validation.ValidateVar(name, "dependency_name"); err != nil {
			return errors.ConfigError(fmt.Sprintf("CIRCUIT_BREAKER_OVERRIDES name %q: %v", name, err))
		}
		if err := validation.ValidateStruct(override); err != nil {
			return errors.ConfigError(fmt.Sprintf("CIRCUIT_BREAKER_OVERRIDES %s: %v", name, err))
		}
	}

	for name, endpoint := range c.DependencyEndpoints {
		if err := validation.ValidateVar(name, "dependency_name"); err != nil {
			return errors.ConfigError(fmt.Sprintf("DEPENDENCY_ENDPOINTS name %q: %v", name, err))
		}
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.ConfigError(fmt.Sprintf("DEPENDENCY_ENDPOINTS %s must be an absolute http(s) URL", name))
		}
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return errors.ConfigError("JWT_SECRET must be at least 32 characters long when set")
	}

	return nil
}
