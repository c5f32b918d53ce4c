package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/internal/supervisor"
)

var procLog = logging.L("metrics.procsampler")

// ProcSampler polls the supervisor's running child processes for CPU and
// memory usage and feeds them into the registry's child gauges.
type ProcSampler struct {
	reg      *Registry
	sup      *supervisor.Supervisor
	interval time.Duration
}

// NewProcSampler creates a ProcSampler polling sup's handles every interval.
func NewProcSampler(reg *Registry, sup *supervisor.Supervisor, interval time.Duration) *ProcSampler {
	return &ProcSampler{reg: reg, sup: sup, interval: interval}
}

// Run polls until ctx is cancelled.
func (s *ProcSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *ProcSampler) sample() {
	for _, h := range s.sup.Handles() {
		if h.Exited() || h.PID() == 0 {
			continue
		}
		proc, err := process.NewProcess(int32(h.PID()))
		if err != nil {
			continue
		}
		if cpuPct, err := proc.CPUPercent(); err == nil {
			s.reg.ChildCPUPercent.WithLabelValues(h.Command()).Set(cpuPct)
		} else {
			procLog.Debug("cpu percent unavailable", "command", h.Command(), "error", err)
		}
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			s.reg.ChildRSSBytes.WithLabelValues(h.Command()).Set(float64(memInfo.RSS))
		}
	}
}
