package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of the backend child.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	MemorySwap uint64    `json:"memory_swap,omitempty"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// SampleUsage reads CPU, memory, thread and descriptor figures for pid.
func SampleUsage(pid int) (*Usage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process handle for pid %d: %w", pid, err)
	}

	u := &Usage{PID: int32(pid), SampledAt: time.Now()}

	// CPU percent needs a prior sample for a meaningful figure; a zero
	// first reading is acceptable.
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	u.MemoryRSS = memInfo.RSS
	u.MemoryVMS = memInfo.VMS
	u.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	if memInfo.Swap > 0 {
		u.MemorySwap = memInfo.Swap
	}

	if threads, err := proc.NumThreads(); err == nil {
		u.NumThreads = threads
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}

// UsageCollector periodically samples the backend child and exposes the
// readings as gauges plus a cached last sample for the status endpoint.
// pidFn reports the current child pid, 0 when no child is running.
type UsageCollector struct {
	interval time.Duration
	pidFn    func() int
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.RWMutex
	last *Usage

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

func NewUsageCollector(interval time.Duration, pidFn func() int, logger *slog.Logger) *UsageCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		})
	}
	return &UsageCollector{
		interval:   interval,
		pidFn:      pidFn,
		logger:     logger,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage of the backend child."),
		memoryMB:   gauge("memory_mb", "Resident memory of the backend child in MB."),
		numThreads: gauge("num_threads", "Thread count of the backend child."),
		numFDs:     gauge("num_fds", "Open file descriptors of the backend child (Unix only)."),
	}
}

// Register registers the usage gauges with r. Safe to call repeatedly.
func (c *UsageCollector) Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, col := range collectors {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start launches the sampling loop. It stops when ctx is canceled or
// Stop is called.
func (c *UsageCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Last returns the most recent sample, nil when the backend is not
// running or has not been sampled yet.
func (c *UsageCollector) Last() *Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *UsageCollector) sample() {
	pid := c.pidFn()
	if pid <= 0 {
		c.setLast(nil)
		return
	}
	u, err := SampleUsage(pid)
	if err != nil {
		c.logger.Debug("backend usage sample failed", "pid", pid, "error", err)
		c.setLast(nil)
		return
	}
	c.setLast(u)
}

func (c *UsageCollector) setLast(u *Usage) {
	c.mu.Lock()
	c.last = u
	c.mu.Unlock()
	if u == nil {
		c.cpuPercent.Set(0)
		c.memoryMB.Set(0)
		c.numThreads.Set(0)
		c.numFDs.Set(0)
		return
	}
	c.cpuPercent.Set(u.CPUPercent)
	c.memoryMB.Set(u.MemoryMB)
	c.numThreads.Set(float64(u.NumThreads))
	if u.NumFDs > 0 {
		c.numFDs.Set(float64(u.NumFDs))
	}
}
