package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostConfig defines when the host counts as overloaded
type HostConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	MaxCPU    float64       `mapstructure:"max_cpu"`
	MaxMemory float64       `mapstructure:"max_memory"`
}

// HostSampler periodically samples CPU and memory usage. Browsers are
// heavy, so the throttle uses it to shed workers on a saturated host.
type HostSampler struct {
	logger  *zap.Logger
	config  HostConfig
	metrics *Metrics

	readCPU    func() (float64, error)
	readMemory func() (float64, error)

	mu     sync.RWMutex
	cpu    float64
	memory float64
}

// NewHostSampler creates a sampler. metrics may be nil.
func NewHostSampler(config HostConfig, metrics *Metrics, logger *zap.Logger) *HostSampler {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.MaxCPU <= 0 {
		config.MaxCPU = 90
	}
	if config.MaxMemory <= 0 {
		config.MaxMemory = 90
	}
	return &HostSampler{
		logger:     logger.Named("host"),
		config:     config,
		metrics:    metrics,
		readCPU:    readCPU,
		readMemory: readMemory,
	}
}

func readCPU() (float64, error) {
	percent, err := cpu.Percent(time.Second, false)
	if err != nil || len(percent) == 0 {
		return 0, err
	}
	return percent[0], nil
}

func readMemory() (float64, error) {
	info, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return info.UsedPercent, nil
}

// Start samples until ctx is done
func (h *HostSampler) Start(ctx context.Context) {
	h.Sample()
	go func() {
		ticker := time.NewTicker(h.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Sample()
			}
		}
	}()
}

// Sample reads the current usage once
func (h *HostSampler) Sample() {
	cpuPercent, err := h.readCPU()
	if err != nil {
		h.logger.Error("Failed to get CPU usage", zap.Error(err))
	}
	memPercent, merr := h.readMemory()
	if merr != nil {
		h.logger.Error("Failed to get memory usage", zap.Error(merr))
	}

	h.mu.Lock()
	if err == nil {
		h.cpu = cpuPercent
	}
	if merr == nil {
		h.memory = memPercent
	}
	cpuNow, memNow := h.cpu, h.memory
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ObserveHost(cpuNow, memNow)
	}
	h.logger.Debug("Host load sampled",
		zap.Float64("cpu_usage", cpuNow),
		zap.Float64("memory_usage", memNow))
}

// Usage returns the last CPU and memory percentages
func (h *HostSampler) Usage() (float64, float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cpu, h.memory
}

// Overloaded reports whether the last sample crossed a limit
func (h *HostSampler) Overloaded() bool {
	cpuNow, memNow := h.Usage()
	return cpuNow >= h.config.MaxCPU || memNow >= h.config.MaxMemory
}
