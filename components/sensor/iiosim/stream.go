package iiosim

import (
	"context"
	"reflect"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.viam.com/iiosim/buffer"
	"go.viam.com/iiosim/utils"
)

// stream is one enabled buffer session.
type stream struct {
	sink    buffer.Sink
	workers utils.StoppableWorkers
	// dropWarn limits the "sink rejecting frames" warning to one per second.
	dropWarn rate.Sometimes
}

// EnableBuffer attaches sink and starts producing frames into it. The first tick runs
// immediately and later ticks follow every period_ms. Enabling again with the same sink does
// nothing; a different sink gets ErrBusy until the current one is disabled. Sinks whose type is
// not comparable are matched by type alone.
func (d *Device) EnableBuffer(ctx context.Context, sink buffer.Sink) error {
	if sink == nil {
		return errors.Wrap(ErrInvalidRequest, "nil sink")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return ErrClosed
	}
	if d.stream != nil {
		if sameSink(d.stream.sink, sink) {
			return nil
		}
		return ErrBusy
	}

	s := &stream{sink: sink, dropWarn: rate.Sometimes{First: 1, Interval: time.Second}}
	s.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		d.run(ctx, s)
	})
	d.stream = s
	d.metrics.SetStreaming(true)
	d.logger.CDebugw(ctx, "buffer enabled", "params", d.params.Snapshot())
	return nil
}

// sameSink reports whether b is the attached sink a. Values of a type that cannot be compared
// with == (a struct holding a map, for one) match any sink of the same type.
func sameSink(a, b buffer.Sink) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return true
	}
	return a == b
}

// DisableBuffer stops producing frames. It returns once no tick is running and none will run
// again. Disabling an idle device does nothing.
func (d *Device) DisableBuffer(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disableLocked(ctx)
	return nil
}

func (d *Device) disableLocked(ctx context.Context) {
	if d.stream == nil {
		return
	}
	stopped := utils.SlowLogger(ctx, d.clock, "waiting for stream worker to stop", "device", d.name, d.logger)
	d.stream.workers.Stop()
	stopped()
	d.stream = nil
	d.metrics.SetStreaming(false)
	d.logger.CDebugw(ctx, "buffer disabled", "stats", d.metrics.Snapshot())
}

// Streaming reports whether a buffer is enabled.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream != nil
}

func (d *Device) run(ctx context.Context, s *stream) {
	timer := d.clock.Timer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		d.tick(s, timer)
	}
}

// tick rearms the timer first so a slow tick does not delay the next one, then produces
// period_count frames.
func (d *Device) tick(s *stream, timer *clock.Timer) {
	sink := s.sink
	start := d.clock.Now()
	ts := int64(start.Sub(d.boot))

	periodMS, count := d.params.PeriodMS(), d.params.PeriodCount()
	if periodMS < 1 {
		periodMS = 1
	}
	if count < 1 {
		count = 1
	}
	timer.Reset(time.Duration(periodMS) * time.Millisecond)
	defer func() {
		d.metrics.TickDone(d.clock.Since(start))
	}()

	if mask, ok := sink.ActiveChannelMask(); !ok || mask.Empty() {
		d.metrics.IdleTick()
		return
	}
	if want := sink.ExpectedFrameBytes(); want != FrameSize {
		d.metrics.LayoutMismatch()
		d.logger.Warnw("frame layout mismatch, nothing pushed", "expected_frame_bytes", want, "frame_bytes", FrameSize)
		return
	}

	// Push copies, so one buffer serves the whole batch.
	raw := make([]byte, 0, FrameSize)
	for i := uint32(0); i < count; i++ {
		frame := Generate(d.counter.ReadAndIncrement(), ts)
		var err error
		if raw, err = frame.AppendBinary(raw[:0]); err != nil {
			d.logger.Errorw("encoding frame", "counter", frame.Counter(), "error", err)
			return
		}
		if err := sink.Push(raw); err != nil {
			d.metrics.PushFailed()
			d.logger.Debugw("push failed", "counter", frame.Counter(), "error", err)
			s.dropWarn.Do(func() {
				d.logger.Warnw("sink rejecting frames", "error", err, "push_failures", d.metrics.Snapshot().PushFailures)
			})
			continue
		}
		d.metrics.FramePushed()
	}
}
