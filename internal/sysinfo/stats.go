// Package sysinfo samples host utilization for the stats endpoint.
package sysinfo

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Stats is the payload served by the stats endpoint. VRAM is a percentage
// when GPU monitoring is available and the string "N/A" otherwise, so it
// marshals as either a number or a string.
type Stats struct {
	CPU  float64   `json:"cpu"`
	RAM  float64   `json:"ram"`
	VRAM VRAMValue `json:"vram"`
}

// VRAMValue is a percentage that may be unavailable.
type VRAMValue struct {
	Percent   float64
	Available bool
}

// MarshalJSON renders the percentage, or "N/A" when unavailable.
func (v VRAMValue) MarshalJSON() ([]byte, error) {
	if !v.Available {
		return json.Marshal("N/A")
	}
	return json.Marshal(v.Percent)
}

// UnmarshalJSON accepts either form; used by tests and API clients.
func (v *VRAMValue) UnmarshalJSON(data []byte) error {
	var pct float64
	if err := json.Unmarshal(data, &pct); err == nil {
		v.Percent = pct
		v.Available = true
		return nil
	}
	v.Percent = 0
	v.Available = false
	return nil
}

// GPUProbe reports GPU memory usage as (used, total) bytes.
type GPUProbe interface {
	MemoryUsage(ctx context.Context) (used, total uint64, err error)
}

// Sampler gathers CPU, RAM and VRAM utilization.
type Sampler struct {
	gpu GPUProbe
}

// NewSampler builds a sampler. A nil probe reports VRAM as unavailable.
func NewSampler(gpu GPUProbe) *Sampler {
	return &Sampler{gpu: gpu}
}

// Sample reads current utilization. CPU and RAM errors are returned; a GPU
// probe failure only downgrades VRAM to "N/A" since machines without GPU
// monitoring are a supported configuration.
func (s *Sampler) Sample(ctx context.Context) (Stats, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return Stats{}, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		CPU: round1(cpuPercent),
		RAM: round1(vm.UsedPercent),
	}
	if s.gpu != nil {
		if used, total, err := s.gpu.MemoryUsage(ctx); err == nil && total > 0 {
			stats.VRAM = VRAMValue{
				Percent:   round1(float64(used) / float64(total) * 100),
				Available: true,
			}
		}
	}
	return stats, nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// NvidiaSMIProbe shells out to nvidia-smi for GPU memory usage. The NVML
// bindings need cgo, which would complicate the static build, and the CLI is
// present wherever the driver is.
type NvidiaSMIProbe struct{}

// MemoryUsage queries the first GPU's memory counters in MiB.
func (NvidiaSMIProbe) MemoryUsage(ctx context.Context) (uint64, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, 0, err
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) (uint64, uint64, error) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	used, total, ok := strings.Cut(line, ",")
	if !ok {
		return 0, 0, strconv.ErrSyntax
	}
	usedMiB, err := strconv.ParseUint(strings.TrimSpace(used), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	totalMiB, err := strconv.ParseUint(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return usedMiB << 20, totalMiB << 20, nil
}
