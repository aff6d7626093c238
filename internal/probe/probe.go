// Package probe collects system and GPU telemetry for registration and
// heartbeats, and decides which encoder mode the machine supports.
//
// Probing is best-effort throughout: any individual collector that fails
// leaves its section zeroed and logs a warning. A probe never aborts the
// runner.
package probe

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Encoder modes reported to the control plane.
const (
	EncoderHardware = "hardware"
	EncoderCPU      = "cpu"
)

// DefaultGPUTimeout bounds the vendor tool invocation.
const DefaultGPUTimeout = 5 * time.Second

// CPUInfo is a CPU snapshot.
type CPUInfo struct {
	Brand    string  `json:"brand"`
	Cores    int     `json:"cores"`
	SpeedMHz float64 `json:"speed"`
	Load     float64 `json:"load"` // percent
}

// MemoryInfo is a memory snapshot, bytes.
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// DiskInfo is a disk usage snapshot of the scratch volume, bytes.
type DiskInfo struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// GPUInfo describes a discovered GPU.
type GPUInfo struct {
	Vendor        string  `json:"vendor"`
	Model         string  `json:"model"`
	MemoryTotal   uint64  `json:"memoryTotal"` // bytes
	MemoryUsed    uint64  `json:"memoryUsed"`  // bytes
	Utilization   float64 `json:"utilization"` // percent
	Temperature   int     `json:"temperature"` // celsius
	DriverVersion string  `json:"driverVersion"`
}

// SystemInfo is the full device snapshot sent with heartbeats.
type SystemInfo struct {
	Hostname string     `json:"hostname"`
	OS       string     `json:"os"`
	Arch     string     `json:"arch"`
	CPU      CPUInfo    `json:"cpu"`
	Memory   MemoryInfo `json:"memory"`
	Disk     DiskInfo   `json:"disk"`
	GPU      *GPUInfo   `json:"gpu,omitempty"`
}

// Prober collects system snapshots.
type Prober struct {
	scratchPath string
	encoderHint string
	gpuTimeout  time.Duration
	logger      *slog.Logger
}

// New creates a prober. scratchPath is the volume whose disk usage is
// reported; encoderHint is the operator's ENCODER setting.
func New(scratchPath, encoderHint string, gpuTimeout time.Duration, logger *slog.Logger) *Prober {
	if gpuTimeout <= 0 {
		gpuTimeout = DefaultGPUTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		scratchPath: scratchPath,
		encoderHint: encoderHint,
		gpuTimeout:  gpuTimeout,
		logger:      logger,
	}
}

// Probe gathers a system snapshot and resolves the encoder mode:
// hardware when an NVENC-capable GPU answers within the timeout, cpu
// otherwise. An operator hint of cpu always holds; a hint of hardware is
// downgraded when no GPU is discoverable.
func (p *Prober) Probe(ctx context.Context) (*SystemInfo, string) {
	info := &SystemInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	info.Hostname, _ = os.Hostname()

	p.collectCPU(ctx, info)
	p.collectMemory(ctx, info)
	p.collectDisk(ctx, info)
	info.GPU = p.collectGPU(ctx)

	encoder := EncoderCPU
	if info.GPU != nil && p.encoderHint != EncoderCPU {
		encoder = EncoderHardware
	}
	if p.encoderHint == EncoderHardware && info.GPU == nil {
		p.logger.Warn("encoder hint is hardware but no usable GPU found, falling back to cpu")
	}

	return info, encoder
}

func (p *Prober) collectCPU(ctx context.Context, info *SystemInfo) {
	if cpuInfos, err := cpu.InfoWithContext(ctx); err == nil && len(cpuInfos) > 0 {
		info.CPU.Brand = cpuInfos[0].ModelName
		info.CPU.SpeedMHz = cpuInfos[0].Mhz
	} else if err != nil {
		p.logger.Warn("cpu info probe failed", slog.String("error", err.Error()))
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPU.Cores = cores
	} else {
		info.CPU.Cores = runtime.NumCPU()
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		info.CPU.Load = percents[0]
	}
}

func (p *Prober) collectMemory(ctx context.Context, info *SystemInfo) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		p.logger.Warn("memory probe failed", slog.String("error", err.Error()))
		return
	}
	info.Memory = MemoryInfo{
		Total:       vm.Total,
		Free:        vm.Available,
		Used:        vm.Used,
		UsedPercent: vm.UsedPercent,
	}
}

func (p *Prober) collectDisk(ctx context.Context, info *SystemInfo) {
	path := p.scratchPath
	if path == "" {
		path = os.TempDir()
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		p.logger.Warn("disk probe failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	info.Disk = DiskInfo{
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}
}

// collectGPU queries nvidia-smi for the first GPU. Returns nil when the
// tool is absent, times out, or produces nothing parseable.
func (p *Prober) collectGPU(ctx context.Context) *GPUInfo {
	ctx, cancel := context.WithTimeout(ctx, p.gpuTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,driver_version,utilization.gpu,memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits")

	output, err := cmd.Output()
	if err != nil {
		p.logger.Debug("gpu probe unavailable", slog.String("error", err.Error()))
		return nil
	}

	return ParseNvidiaSMI(string(output))
}

// ParseNvidiaSMI parses the first line of nvidia-smi CSV output.
func ParseNvidiaSMI(output string) *GPUInfo {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return nil
	}

	parts := strings.Split(lines[0], ", ")
	if len(parts) < 6 {
		return nil
	}

	utilization, _ := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	memUsed, _ := strconv.ParseUint(strings.TrimSpace(parts[3]), 10, 64)
	memTotal, _ := strconv.ParseUint(strings.TrimSpace(parts[4]), 10, 64)
	temp, _ := strconv.Atoi(strings.TrimSpace(parts[5]))

	model := strings.TrimSpace(parts[0])
	if model == "" {
		return nil
	}

	return &GPUInfo{
		Vendor:        "NVIDIA",
		Model:         model,
		DriverVersion: strings.TrimSpace(parts[1]),
		Utilization:   utilization,
		MemoryUsed:    memUsed * 1024 * 1024, // MiB to bytes
		MemoryTotal:   memTotal * 1024 * 1024,
		Temperature:   temp,
	}
}
