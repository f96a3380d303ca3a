package loadmonitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostUsage is one reading of host resource utilization, in percent.
type HostUsage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Sampler reads host resource utilization.
type Sampler interface {
	Sample(ctx context.Context) (HostUsage, error)
}

// HostSampler reads CPU and virtual memory usage of the local host.
type HostSampler struct{}

func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

func (s *HostSampler) Sample(ctx context.Context) (HostUsage, error) {
	// interval 0 measures against the previous call instead of sleeping
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostUsage{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(cpuPercents) == 0 {
		return HostUsage{}, fmt.Errorf("failed to read cpu usage: no samples")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostUsage{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	return HostUsage{
		CPUPercent:    cpuPercents[0],
		MemoryPercent: vm.UsedPercent,
	}, nil
}
