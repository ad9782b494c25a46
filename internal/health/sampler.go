package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSampler reads live resource usage from the host.
type SystemSampler struct {
	diskPath string
}

// NewSystemSampler creates a sampler. diskPath defaults to "/".
func NewSystemSampler(diskPath string) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSampler{diskPath: diskPath}
}

func (s *SystemSampler) Sample(ctx context.Context) (*ResourceSample, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	cpuCount, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return nil, fmt.Errorf("sample disk: %w", err)
	}

	sample := &ResourceSample{
		CPUCount:        cpuCount,
		MemoryPercent:   vm.UsedPercent,
		MemoryTotal:     vm.Total,
		MemoryAvailable: vm.Available,
		DiskPercent:     usage.UsedPercent,
		DiskTotal:       usage.Total,
		DiskFree:        usage.Free,
	}
	if len(cpuPercents) > 0 {
		sample.CPUPercent = cpuPercents[0]
	}
	return sample, nil
}
