package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"clearwater/pkg/logging"
)

// ResourceLevel classifies a sampled resource against its thresholds.
type ResourceLevel int

const (
	LevelOK ResourceLevel = iota
	LevelWarning
	LevelCritical
)

func (l ResourceLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

// ResourceThresholds are percentage thresholds for memory and CPU.
type ResourceThresholds struct {
	MemWarning  float64
	MemCritical float64
	CPUWarning  float64
	CPUCritical float64
}

// DefaultResourceThresholds returns the bridge defaults.
func DefaultResourceThresholds() ResourceThresholds {
	return ResourceThresholds{
		MemWarning:  90,
		MemCritical: 95,
		CPUWarning:  70,
		CPUCritical: 85,
	}
}

// ResourceSnapshot is one point-in-time view of process resource usage.
type ResourceSnapshot struct {
	RSSBytes       uint64    `json:"rss"`
	HeapUsedBytes  uint64    `json:"heap_used"`
	MemUtilization float64   `json:"utilization"` // percent of the memory budget
	CPUPercent     float64   `json:"current"`
	CPUAverage     float64   `json:"average"`
	CPUPeak        float64   `json:"peak"`
	SampledAt      time.Time `json:"sampled_at"`
}

// ResourceMonitor samples process memory and CPU once per interval via
// procfs and runtime.MemStats. MemLimitBytes is the memory budget the
// utilization percentage is computed against (the container limit, not
// host total).
type ResourceMonitor struct {
	proc       procfs.Proc
	limitBytes uint64
	thresholds ResourceThresholds
	interval   time.Duration
	logger     logging.Logger

	mu          sync.RWMutex
	snapshot    ResourceSnapshot
	lastCPUTime float64
	lastSample  time.Time
	cpuSum      float64
	cpuSamples  int
}

// NewResourceMonitor creates a monitor with a 1 s sampling interval.
func NewResourceMonitor(memLimitBytes uint64, thresholds ResourceThresholds, logger logging.Logger) (*ResourceMonitor, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, err
	}
	return &ResourceMonitor{
		proc:       proc,
		limitBytes: memLimitBytes,
		thresholds: thresholds,
		interval:   time.Second,
		logger:     logger,
	}, nil
}

// Start runs the sampling loop until ctx is cancelled.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.sample()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	now := time.Now()

	stat, err := m.proc.Stat()
	if err != nil {
		m.logger.WithError(err).Debug("resource monitor stat read failed")
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	rss := uint64(stat.ResidentMemory())

	m.mu.Lock()
	defer m.mu.Unlock()

	cpuTime := stat.CPUTime()
	var cpuPct float64
	if !m.lastSample.IsZero() {
		elapsed := now.Sub(m.lastSample).Seconds()
		if elapsed > 0 {
			cpuPct = (cpuTime - m.lastCPUTime) / elapsed * 100
			if cpuPct < 0 {
				cpuPct = 0
			}
		}
		m.cpuSum += cpuPct
		m.cpuSamples++
	}
	m.lastCPUTime = cpuTime
	m.lastSample = now

	snap := ResourceSnapshot{
		RSSBytes:      rss,
		HeapUsedBytes: ms.HeapAlloc,
		CPUPercent:    cpuPct,
		CPUPeak:       m.snapshot.CPUPeak,
		SampledAt:     now,
	}
	if m.limitBytes > 0 {
		snap.MemUtilization = float64(rss) / float64(m.limitBytes) * 100
	}
	if cpuPct > snap.CPUPeak {
		snap.CPUPeak = cpuPct
	}
	if m.cpuSamples > 0 {
		snap.CPUAverage = m.cpuSum / float64(m.cpuSamples)
	}

	prevLevel := classify(m.snapshot.MemUtilization, m.thresholds.MemWarning, m.thresholds.MemCritical)
	newLevel := classify(snap.MemUtilization, m.thresholds.MemWarning, m.thresholds.MemCritical)
	if newLevel > prevLevel {
		m.logger.WithFields(logging.Fields{
			"utilization": snap.MemUtilization,
			"rss":         rss,
			"level":       newLevel.String(),
		}).Warn("memory pressure")
	}

	m.snapshot = snap
}

// Snapshot returns the latest sample.
func (m *ResourceMonitor) Snapshot() ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// MemLevel classifies the latest memory utilization.
func (m *ResourceMonitor) MemLevel() ResourceLevel {
	return classify(m.Snapshot().MemUtilization, m.thresholds.MemWarning, m.thresholds.MemCritical)
}

// CPULevel classifies the latest CPU usage.
func (m *ResourceMonitor) CPULevel() ResourceLevel {
	return classify(m.Snapshot().CPUPercent, m.thresholds.CPUWarning, m.thresholds.CPUCritical)
}

func classify(value, warn, critical float64) ResourceLevel {
	switch {
	case value >= critical:
		return LevelCritical
	case value >= warn:
		return LevelWarning
	default:
		return LevelOK
	}
}
