package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// InferiorSample is a point-in-time resource reading of a debugged process.
type InferiorSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

var (
	inferiorRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procevents",
			Subsystem: "inferior",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the inferior at its last stop.",
		},
	)
	inferiorThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procevents",
			Subsystem: "inferior",
			Name:      "num_threads",
			Help:      "Thread count of the inferior at its last stop.",
		},
	)
)

// ErrNoInferior is returned when the pid does not name a live process.
var ErrNoInferior = errors.New("inferior process not running")

// SampleInferior reads resource usage for pid. The gauges are updated when
// metrics are registered.
func SampleInferior(ctx context.Context, pid int) (InferiorSample, error) {
	if pid <= 0 {
		return InferiorSample{}, ErrNoInferior
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return InferiorSample{}, fmt.Errorf("%w: %v", ErrNoInferior, err)
	}
	s := InferiorSample{PID: int32(pid), Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryRSS = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if regOK.Load() {
		inferiorRSS.Set(float64(s.MemoryRSS))
		inferiorThreads.Set(float64(s.NumThreads))
	}
	return s, nil
}
