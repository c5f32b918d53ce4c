// Package aiengine sits between Frame Capture and the AI Client plus the
// event bus: it forwards frames to the client, filters results by
// confidence and class, and publishes detection/keepalive events (spec
// §4.6).
package aiengine

import (
	"sync"
	"time"

	"github.com/edge-agent/agent/internal/aiclient"
	"github.com/edge-agent/agent/internal/bus"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/pkg/model"
)

var log = logging.L("aiengine")

// Topics published on the bus.
const (
	TopicDetection = "ai.detection"
	TopicKeepalive = "ai.keepalive"
)

// keepaliveGap is the maximum time without detection traffic before a
// keepalive event is emitted.
const keepaliveGap = 2 * time.Second

// resultQueueSize bounds the Result backlog between the AI Client and this
// engine (spec §5): overflow drops the oldest entry.
const resultQueueSize = 8

// DetectionEvent is published to TopicDetection.
type DetectionEvent struct {
	Relevant   bool
	Detections []model.Detection
	Score      float32
	Seq        uint64
	TsISO      string
}

// KeepaliveEvent is published to TopicKeepalive.
type KeepaliveEvent struct {
	TsISO string
}

// Filter selects which detections survive (spec §4.6): empty Classes means
// "accept all classes".
type Filter struct {
	mu                  sync.RWMutex
	confidenceThreshold float32
	classes             map[string]struct{}
}

// NewFilter creates a Filter with the given initial threshold and class
// whitelist (empty slice = accept all classes).
func NewFilter(confidenceThreshold float32, classes []string) *Filter {
	f := &Filter{confidenceThreshold: confidenceThreshold}
	f.Set(confidenceThreshold, classes)
	return f
}

// Set replaces the filter configuration atomically, for runtime overrides
// via the status/control surface.
func (f *Filter) Set(confidenceThreshold float32, classes []string) {
	var set map[string]struct{}
	if len(classes) > 0 {
		set = make(map[string]struct{}, len(classes))
		for _, c := range classes {
			set[c] = struct{}{}
		}
	}
	f.mu.Lock()
	f.confidenceThreshold = confidenceThreshold
	f.classes = set
	f.mu.Unlock()
}

// Classes returns the current class whitelist (empty = accept all).
func (f *Filter) Classes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	classes := make([]string, 0, len(f.classes))
	for c := range f.classes {
		classes = append(classes, c)
	}
	return classes
}

// SetClasses replaces the class whitelist without touching the confidence
// threshold, for the runtime class-override endpoint.
func (f *Filter) SetClasses(classes []string) {
	f.mu.Lock()
	threshold := f.confidenceThreshold
	f.mu.Unlock()
	f.Set(threshold, classes)
}

// Apply is a pure function: given a result, it returns the surviving
// detections under the current configuration.
func (f *Filter) Apply(r model.Result) []model.Detection {
	f.mu.RLock()
	threshold := f.confidenceThreshold
	classes := f.classes
	f.mu.RUnlock()

	out := make([]model.Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		if d.Confidence < threshold {
			continue
		}
		if classes != nil {
			if _, ok := classes[d.Class]; !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// Engine wires a Filter to an aiclient.Client and a bus.Bus.
type Engine struct {
	filter *Filter
	client *aiclient.Client
	bus    *bus.Bus

	qmu     sync.Mutex
	queue   []model.Result
	dropped uint64
	signal  chan struct{}

	mu          sync.Mutex
	lastTraffic time.Time

	keepaliveTck *time.Ticker
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates an Engine. Call Start to begin processing and the keepalive
// watchdog.
func New(filter *Filter, client *aiclient.Client, b *bus.Bus) *Engine {
	return &Engine{
		filter: filter,
		client: client,
		bus:    b,
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// HandleFrame is the Frame Capture callback: it forwards the frame to the
// AI Client unchanged.
func (e *Engine) HandleFrame(f model.Frame) {
	e.client.SendFrame(f)
}

// HandleResult enqueues one Result from the AI Client for processing.
// Bounded by resultQueueSize; overflow drops the oldest entry with a
// counter increment (spec §5: should be ≈0 in steady state).
func (e *Engine) HandleResult(r model.Result) {
	e.qmu.Lock()
	if len(e.queue) >= resultQueueSize {
		dropped := e.queue[0]
		e.queue = e.queue[1:]
		e.dropped++
		log.Warn("ai result queue overflow, dropping oldest", "seq", dropped.Seq)
	}
	e.queue = append(e.queue, r)
	e.qmu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// DroppedCount returns the number of Results dropped for overflow.
func (e *Engine) DroppedCount() uint64 {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return e.dropped
}

func (e *Engine) processLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.signal:
		}

		for {
			e.qmu.Lock()
			if len(e.queue) == 0 {
				e.qmu.Unlock()
				break
			}
			r := e.queue[0]
			e.queue = e.queue[1:]
			e.qmu.Unlock()

			e.process(r)
		}
	}
}

func (e *Engine) process(r model.Result) {
	e.mu.Lock()
	e.lastTraffic = time.Now()
	e.mu.Unlock()

	surviving := e.filter.Apply(r)

	event := DetectionEvent{
		Seq:   r.Seq,
		TsISO: r.TsISO,
	}
	if len(surviving) > 0 {
		event.Relevant = true
		event.Detections = surviving
		event.Score = maxConfidence(surviving)
	}
	e.bus.Publish(TopicDetection, event)
}

func maxConfidence(dets []model.Detection) float32 {
	var max float32
	for _, d := range dets {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}

// Start launches the result-processing loop and the keepalive watchdog:
// if more than keepaliveGap elapses without detection traffic,
// ai.keepalive is published.
func (e *Engine) Start() {
	go e.processLoop()

	e.keepaliveTck = time.NewTicker(500 * time.Millisecond)
	go func() {
		for {
			select {
			case <-e.stopCh:
				e.keepaliveTck.Stop()
				return
			case <-e.keepaliveTck.C:
				e.mu.Lock()
				idle := time.Since(e.lastTraffic)
				e.mu.Unlock()
				if idle >= keepaliveGap {
					e.bus.Publish(TopicKeepalive, KeepaliveEvent{TsISO: time.Now().UTC().Format(time.RFC3339Nano)})
				}
			}
		}
	}()
}

// Stop halts the keepalive watchdog.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}
