package system

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Version is set at build time via ldflags.
var Version = "develop"

// Information describes the node the daemon runs on, reported to the panel
// for diagnostics.
type Information struct {
	Version string `json:"version"`
	System  System `json:"system"`
}

type System struct {
	Architecture  string `json:"architecture"`
	CPUThreads    int    `json:"cpu_threads"`
	MemoryBytes   uint64 `json:"memory_bytes"`
	KernelVersion string `json:"kernel_version"`
	OS            string `json:"os"`
}

// GetSystemInformation collects host facts. Failures of individual probes
// degrade to zero values rather than failing the whole report.
func GetSystemInformation(ctx context.Context) (*Information, error) {
	i := &Information{
		Version: Version,
		System: System{
			Architecture: runtime.GOARCH,
			OS:           runtime.GOOS,
		},
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		i.System.CPUThreads = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		i.System.MemoryBytes = vm.Total
	}
	if kv, err := host.KernelVersionWithContext(ctx); err == nil {
		i.System.KernelVersion = kv
	}
	return i, nil
}
