// Package metrics exports the stream producer's counters to Prometheus and keeps an in-process
// copy for status queries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Stream holds the producer metrics of one device.
type Stream struct {
	ticks            prometheus.Counter
	idleTicks        prometheus.Counter
	framesPushed     prometheus.Counter
	pushFailures     prometheus.Counter
	layoutMismatches prometheus.Counter
	streaming        prometheus.Gauge
	tickDuration     prometheus.Histogram

	snapshot struct {
		ticks, idleTicks, framesPushed, pushFailures, layoutMismatches atomic.Uint64
		streaming                                                      atomic.Bool
	}
}

// Snapshot is a copy of the Stream counters.
type Snapshot struct {
	Ticks            uint64 `json:"ticks"`
	IdleTicks        uint64 `json:"idle_ticks"`
	FramesPushed     uint64 `json:"frames_pushed"`
	PushFailures     uint64 `json:"push_failures"`
	LayoutMismatches uint64 `json:"layout_mismatches"`
	Streaming        bool   `json:"streaming"`
}

// NewStream creates the collectors for the named device and registers them with reg. A nil reg
// leaves them unregistered.
func NewStream(reg prometheus.Registerer, device string) *Stream {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"device": device}
	return &Stream{
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiosim_ticks_total",
			Help:        "Total number of scheduler ticks",
			ConstLabels: labels,
		}),
		idleTicks: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiosim_idle_ticks_total",
			Help:        "Ticks skipped because no channel was selected",
			ConstLabels: labels,
		}),
		framesPushed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiosim_frames_pushed_total",
			Help:        "Frames accepted by the buffer",
			ConstLabels: labels,
		}),
		pushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiosim_push_failures_total",
			Help:        "Frames the buffer refused",
			ConstLabels: labels,
		}),
		layoutMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiosim_layout_mismatches_total",
			Help:        "Ticks skipped because the negotiated frame size did not match",
			ConstLabels: labels,
		}),
		streaming: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "iiosim_streaming",
			Help:        "1 while buffered streaming is enabled",
			ConstLabels: labels,
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "iiosim_tick_duration_seconds",
			Help:        "Time spent producing one tick",
			Buckets:     []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			ConstLabels: labels,
		}),
	}
}

// TickDone records one completed tick and how long it took.
func (s *Stream) TickDone(took time.Duration) {
	s.ticks.Inc()
	s.snapshot.ticks.Inc()
	s.tickDuration.Observe(took.Seconds())
}

// IdleTick records a tick with no channel selected.
func (s *Stream) IdleTick() {
	s.idleTicks.Inc()
	s.snapshot.idleTicks.Inc()
}

// FramePushed records one accepted frame.
func (s *Stream) FramePushed() {
	s.framesPushed.Inc()
	s.snapshot.framesPushed.Inc()
}

// PushFailed records one refused frame.
func (s *Stream) PushFailed() {
	s.pushFailures.Inc()
	s.snapshot.pushFailures.Inc()
}

// LayoutMismatch records one tick skipped for a frame size mismatch.
func (s *Stream) LayoutMismatch() {
	s.layoutMismatches.Inc()
	s.snapshot.layoutMismatches.Inc()
}

// SetStreaming records the lifecycle state.
func (s *Stream) SetStreaming(on bool) {
	if on {
		s.streaming.Set(1)
	} else {
		s.streaming.Set(0)
	}
	s.snapshot.streaming.Store(on)
}

// Snapshot returns the current counter values.
func (s *Stream) Snapshot() Snapshot {
	return Snapshot{
		Ticks:            s.snapshot.ticks.Load(),
		IdleTicks:        s.snapshot.idleTicks.Load(),
		FramesPushed:     s.snapshot.framesPushed.Load(),
		PushFailures:     s.snapshot.pushFailures.Load(),
		LayoutMismatches: s.snapshot.layoutMismatches.Load(),
		Streaming:        s.snapshot.streaming.Load(),
	}
}
