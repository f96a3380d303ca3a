// Package loadmonitor samples process-wide resource pressure in the background
// and publishes it as a load factor in (0,1].
package loadmonitor

import (
	"context"
	"time"

	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/common/validation"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

const (
	minLoadFactor = 0.1
	maxLoadFactor = 1.0

	highMemoryFactor     = 0.7
	elevatedMemoryFactor = 0.85
	connectionsFactor    = 0.8

	// latencySmoothing weighs each new downstream latency observation
	latencySmoothing = 0.2
)

// Config configures a Monitor.
type Config struct {
	SampleInterval        time.Duration `json:"sample_interval" validate:"gte=1s"`
	MemoryHighPercent     float64       `json:"memory_high_percent" validate:"gt=0,lte=100,gtefield=MemoryElevatedPercent"`
	MemoryElevatedPercent float64       `json:"memory_elevated_percent" validate:"gt=0,lte=100"`
	ConnectionsHighWater  int64         `json:"connections_high_water" validate:"min=1"`
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:        30 * time.Second,
		MemoryHighPercent:     80,
		MemoryElevatedPercent: 60,
		ConnectionsHighWater:  1000,
	}
}

// LoadSnapshot is the latest sample. Each sample replaces the previous one.
type LoadSnapshot struct {
	CPUPercent          float64   `json:"cpu_percent"`
	MemoryPercent       float64   `json:"memory_percent"`
	DownstreamLatencyMs float64   `json:"downstream_latency_ms"`
	Connections         int64     `json:"connections"`
	LoadFactor          float64   `json:"load_factor"`
	SampledAt           time.Time `json:"sampled_at"`
}

// ComputeLoadFactor reduces 1.0 multiplicatively for memory pressure and for
// connection counts above the high-water mark, clamped to [0.1, 1].
func ComputeLoadFactor(memoryPercent float64, connections int64, config Config) float64 {
	factor := 1.0

	switch {
	case memoryPercent > config.MemoryHighPercent:
		factor *= highMemoryFactor
	case memoryPercent > config.MemoryElevatedPercent:
		factor *= elevatedMemoryFactor
	}

	if connections > config.ConnectionsHighWater {
		factor *= connectionsFactor
	}

	return lo.Clamp(factor, minLoadFactor, maxLoadFactor)
}

// Monitor owns one background sampling loop per process. Reads never block.
type Monitor struct {
	sampler Sampler
	config  Config
	logger  logging.Logger
	now     func() time.Time

	snapshot    atomic.Pointer[LoadSnapshot]
	connections atomic.Int64
	latencyMs   atomic.Float64

	scheduler *cron.Cron
}

func New(sampler Sampler, config Config, logger logging.Logger) (*Monitor, error) {
	if err := validation.ValidateStruct(config); err != nil {
		return nil, err
	}

	logger = logging.OrGlobal(logger).WithFields(logging.String("component", "load_monitor"))
	cl := cronLogger{logger: logger}

	m := &Monitor{
		sampler: sampler,
		config:  config,
		logger:  logger,
		now:     time.Now,
		scheduler: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	m.snapshot.Store(&LoadSnapshot{LoadFactor: maxLoadFactor})
	return m, nil
}

// Start takes an initial sample and schedules the rest every SampleInterval.
func (m *Monitor) Start(ctx context.Context) {
	if err := m.SampleNow(ctx); err != nil {
		m.logger.Warn("Initial load sample failed, starting with defaults", logging.Err(err))
	}

	m.scheduler.Schedule(cron.Every(m.config.SampleInterval), cron.FuncJob(func() {
		sampleCtx, cancel := context.WithTimeout(context.Background(), m.config.SampleInterval)
		defer cancel()
		_ = m.SampleNow(sampleCtx)
	}))
	m.scheduler.Start()

	m.logger.Info("Load monitor started", logging.Duration("interval", m.config.SampleInterval))
}

// Stop cancels the schedule and waits for a running sample to finish.
func (m *Monitor) Stop() {
	<-m.scheduler.Stop().Done()
	m.logger.Info("Load monitor stopped")
}

// SampleNow reads the host once and publishes a new snapshot. On failure the
// previous snapshot stays in place.
func (m *Monitor) SampleNow(ctx context.Context) error {
	usage, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("Load sample failed, keeping previous snapshot", logging.Err(err))
		return err
	}

	connections := m.connections.Load()
	snapshot := &LoadSnapshot{
		CPUPercent:          usage.CPUPercent,
		MemoryPercent:       usage.MemoryPercent,
		DownstreamLatencyMs: m.latencyMs.Load(),
		Connections:         connections,
		LoadFactor:          ComputeLoadFactor(usage.MemoryPercent, connections, m.config),
		SampledAt:           m.now(),
	}
	m.snapshot.Store(snapshot)

	m.logger.Debug("Load sampled",
		logging.Float64("cpu_percent", snapshot.CPUPercent),
		logging.Float64("memory_percent", snapshot.MemoryPercent),
		logging.Float64("load_factor", snapshot.LoadFactor),
		logging.Field{Key: "connections", Value: connections},
	)
	return nil
}

// Snapshot returns a copy of the latest snapshot.
func (m *Monitor) Snapshot() LoadSnapshot {
	return *m.snapshot.Load()
}

// CurrentLoadFactor returns the load factor of the latest snapshot.
func (m *Monitor) CurrentLoadFactor() float64 {
	return m.snapshot.Load().LoadFactor
}

func (m *Monitor) IncConnections() {
	m.connections.Inc()
}

func (m *Monitor) DecConnections() {
	m.connections.Dec()
}

func (m *Monitor) Connections() int64 {
	return m.connections.Load()
}

// ObserveLatency folds one downstream call duration into the moving average.
func (m *Monitor) ObserveLatency(d time.Duration) {
	observed := float64(d) / float64(time.Millisecond)
	for {
		prev := m.latencyMs.Load()
		next := observed
		if prev > 0 {
			next = prev + latencySmoothing*(observed-prev)
		}
		if m.latencyMs.CompareAndSwap(prev, next) {
			return
		}
	}
}
