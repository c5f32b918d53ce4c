package metrics

import (
	"context"
	"time"
)

// DropCounters is implemented by components that track their own
// monotonic drop counters (aiengine.Engine, bus.Bus) so the sampler can
// translate "counter value" into "counter increments" for Prometheus.
type DropCounters interface {
	DroppedCount() uint64
}

// Sampler periodically polls monotonic counters that don't live in
// Prometheus-native types and feeds their deltas into the Registry.
type Sampler struct {
	reg           *Registry
	resultsDrop   DropCounters
	busDrop       DropCounters
	archiveDrop   DropCounters
	lastResults   uint64
	lastBus       uint64
	lastArchive   uint64
	interval      time.Duration
}

// NewSampler creates a Sampler polling resultsDrop and busDrop every interval.
func NewSampler(reg *Registry, resultsDrop, busDrop DropCounters, interval time.Duration) *Sampler {
	return &Sampler{reg: reg, resultsDrop: resultsDrop, busDrop: busDrop, interval: interval}
}

// WithArchiveDrop adds a third counter, typically the archive worker pool,
// polled alongside resultsDrop and busDrop. Returns s for chaining.
func (s *Sampler) WithArchiveDrop(archiveDrop DropCounters) *Sampler {
	s.archiveDrop = archiveDrop
	return s
}

// Run polls until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
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

func (s *Sampler) sample() {
	if s.resultsDrop != nil {
		current := s.resultsDrop.DroppedCount()
		if current > s.lastResults {
			s.reg.ResultsDropped.Add(float64(current - s.lastResults))
			s.lastResults = current
		}
	}
	if s.busDrop != nil {
		current := s.busDrop.DroppedCount()
		if current > s.lastBus {
			s.reg.BusEventsDropped.Add(float64(current - s.lastBus))
			s.lastBus = current
		}
	}
	if s.archiveDrop != nil {
		current := s.archiveDrop.DroppedCount()
		if current > s.lastArchive {
			s.reg.ArchiveTasksRejected.Add(float64(current - s.lastArchive))
			s.lastArchive = current
		}
	}
}
