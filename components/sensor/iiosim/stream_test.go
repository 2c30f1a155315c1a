package iiosim

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/iiosim/buffer"
	"go.viam.com/iiosim/logging"
	"go.viam.com/iiosim/params"
)

const testPeriod = 100 * time.Millisecond

func newTestDevice(t *testing.T, p *params.Params) (*Device, *clock.Mock, *observer.ObservedLogs) {
	t.Helper()
	logger, logs := logging.NewObservedTestLogger(t)
	mockClock := clock.NewMock()
	return NewDevice("sim", p, logger, WithClock(mockClock)), mockClock, logs
}

func newNegotiatedFIFO(length int) *buffer.FIFO {
	fifo := buffer.NewFIFO(length)
	fifo.Negotiate(buffer.MaskOf(Voltage0.ScanIndex), buffer.ExpectedFrameBytes(Voltage0.ScanType))
	return fifo
}

func waitForTicks(t *testing.T, d *Device, n uint64) {
	t.Helper()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, d.Stats().Ticks, test.ShouldEqual, n)
	})
}

// advance moves the mock clock one tick at a time and waits for each tick to finish.
func advance(t *testing.T, d *Device, mockClock *clock.Mock, step time.Duration, ticks int) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		want := d.Stats().Ticks + 1
		mockClock.Add(step)
		waitForTicks(t, d, want)
	}
}

func drain(t *testing.T, fifo *buffer.FIFO) []Frame {
	t.Helper()
	n := fifo.Len()
	if n == 0 {
		return nil
	}
	raw, err := fifo.Read(context.Background(), n)
	test.That(t, err, test.ShouldBeNil)
	frames := make([]Frame, 0, len(raw))
	for _, r := range raw {
		f, err := DecodeFrame(r)
		test.That(t, err, test.ShouldBeNil)
		frames = append(frames, f)
	}
	return frames
}

func TestStreamBatches(t *testing.T) {
	const ticks, batch = 5, 3
	d, mockClock, _ := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), batch))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := newNegotiatedFIFO(64)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	test.That(t, d.Streaming(), test.ShouldBeTrue)
	waitForTicks(t, d, 1)
	advance(t, d, mockClock, testPeriod, ticks-1)

	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(ticks*batch))
	frames := drain(t, fifo)
	test.That(t, frames, test.ShouldHaveLength, ticks*batch)
	for i, f := range frames {
		test.That(t, f.Validate(), test.ShouldBeNil)
		test.That(t, f.Counter(), test.ShouldEqual, uint32(i))
		// One timestamp per tick, shared by the whole batch.
		test.That(t, f.Timestamp, test.ShouldEqual, int64(i/batch)*int64(testPeriod))
	}

	stats := d.Stats()
	test.That(t, stats.Ticks, test.ShouldEqual, uint64(ticks))
	test.That(t, stats.FramesPushed, test.ShouldEqual, uint64(ticks*batch))
	test.That(t, stats.PushFailures, test.ShouldEqual, uint64(0))
	test.That(t, stats.Streaming, test.ShouldBeTrue)

	test.That(t, d.DisableBuffer(context.Background()), test.ShouldBeNil)
	test.That(t, d.Streaming(), test.ShouldBeFalse)
	mockClock.Add(10 * testPeriod)
	test.That(t, d.Stats().Ticks, test.ShouldEqual, uint64(ticks))
	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(ticks*batch))
	test.That(t, d.Stats().Streaming, test.ShouldBeFalse)
}

func TestStreamOneSecond(t *testing.T) {
	d, mockClock, _ := newTestDevice(t, params.Default())
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := newNegotiatedFIFO(buffer.DefaultLength)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	waitForTicks(t, d, 1)
	// Ticks at 0ms, 100ms, ..., 900ms.
	advance(t, d, mockClock, params.DefaultPeriodMS*time.Millisecond, 9)

	frames := drain(t, fifo)
	test.That(t, frames, test.ShouldHaveLength, 10)
	for i, f := range frames {
		test.That(t, f.Fields[0], test.ShouldEqual, MarkerA)
		test.That(t, f.Fields[1], test.ShouldEqual, uint32(i))
		test.That(t, f.Fields[2], test.ShouldEqual, uint32(i))
		test.That(t, f.Fields[3], test.ShouldEqual, MarkerB)
	}
}

func TestStreamIdleUntilChannelSelected(t *testing.T) {
	d, mockClock, _ := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), 2))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := buffer.NewFIFO(16)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	waitForTicks(t, d, 1)
	advance(t, d, mockClock, testPeriod, 2)
	test.That(t, d.Stats().IdleTicks, test.ShouldEqual, uint64(3))
	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(0))

	// An empty selection is still idle.
	fifo.Negotiate(0, FrameSize)
	advance(t, d, mockClock, testPeriod, 1)
	test.That(t, d.Stats().IdleTicks, test.ShouldEqual, uint64(4))
	test.That(t, fifo.Len(), test.ShouldEqual, 0)

	// The selection is re-read on every tick.
	fifo.Negotiate(buffer.MaskOf(Voltage0.ScanIndex), FrameSize)
	advance(t, d, mockClock, testPeriod, 1)
	test.That(t, d.Stats().IdleTicks, test.ShouldEqual, uint64(4))
	test.That(t, fifo.Len(), test.ShouldEqual, 2)
	test.That(t, d.Streaming(), test.ShouldBeTrue)
}

func TestStreamLayoutMismatch(t *testing.T) {
	d, mockClock, logs := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), 4))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := buffer.NewFIFO(16)
	// Data only, without the timestamp.
	fifo.Negotiate(buffer.MaskOf(Voltage0.ScanIndex), DataBytes)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	waitForTicks(t, d, 1)
	advance(t, d, mockClock, testPeriod, 4)

	test.That(t, fifo.Len(), test.ShouldEqual, 0)
	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(0))
	test.That(t, d.Stats().LayoutMismatches, test.ShouldEqual, uint64(5))
	test.That(t, d.Streaming(), test.ShouldBeTrue)

	warnings := logs.FilterMessage("frame layout mismatch, nothing pushed").All()
	test.That(t, warnings, test.ShouldHaveLength, 5)
	fields := warnings[0].ContextMap()
	test.That(t, fields["expected_frame_bytes"], test.ShouldEqual, int64(DataBytes))
	test.That(t, fields["frame_bytes"], test.ShouldEqual, int64(FrameSize))
}

func TestStreamClampsParams(t *testing.T) {
	for _, tc := range []struct {
		name            string
		periodMS, count uint32
	}{
		{"zero", 0, 0},
		{"one", 1, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, mockClock, _ := newTestDevice(t, params.New(tc.periodMS, tc.count))
			defer func() {
				test.That(t, d.Close(context.Background()), test.ShouldBeNil)
			}()
			fifo := newNegotiatedFIFO(16)

			test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
			waitForTicks(t, d, 1)
			advance(t, d, mockClock, time.Millisecond, 3)

			test.That(t, d.counter.Read(), test.ShouldEqual, uint32(4))
			test.That(t, fifo.Len(), test.ShouldEqual, 4)
		})
	}
}

func TestStreamParamsReadEveryTick(t *testing.T) {
	p := params.New(uint32(testPeriod.Milliseconds()), 1)
	d, mockClock, _ := newTestDevice(t, p)
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := newNegotiatedFIFO(32)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	waitForTicks(t, d, 1)

	// The new period applies from the timer armed by the next tick.
	p.SetPeriodCount(5)
	p.SetPeriodMS(10)
	advance(t, d, mockClock, testPeriod, 1)
	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(6))
	advance(t, d, mockClock, 10*time.Millisecond, 1)
	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(11))
}

func TestStreamPushFailureKeepsBatchGoing(t *testing.T) {
	d, mockClock, _ := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), 5))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := newNegotiatedFIFO(2)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	waitForTicks(t, d, 1)

	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(5))
	stats := d.Stats()
	test.That(t, stats.FramesPushed, test.ShouldEqual, uint64(2))
	test.That(t, stats.PushFailures, test.ShouldEqual, uint64(3))
	_, dropped := fifo.Stats()
	test.That(t, dropped, test.ShouldEqual, uint64(3))

	// Once the reader catches up, later ticks push again.
	frames := drain(t, fifo)
	test.That(t, frames[0].Counter(), test.ShouldEqual, uint32(0))
	test.That(t, frames[1].Counter(), test.ShouldEqual, uint32(1))
	advance(t, d, mockClock, testPeriod, 1)
	frames = drain(t, fifo)
	test.That(t, frames, test.ShouldHaveLength, 2)
	test.That(t, frames[0].Counter(), test.ShouldEqual, uint32(5))
	test.That(t, d.Streaming(), test.ShouldBeTrue)
}

func TestStreamClosedSink(t *testing.T) {
	d, _, logs := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), 3))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := newNegotiatedFIFO(8)
	test.That(t, fifo.Close(), test.ShouldBeNil)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	waitForTicks(t, d, 1)
	test.That(t, d.Stats().PushFailures, test.ShouldEqual, uint64(3))
	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(3))
	test.That(t, logs.FilterMessage("push failed").Len(), test.ShouldEqual, 3)
	test.That(t, logs.FilterMessage("sink rejecting frames").Len(), test.ShouldEqual, 1)
}

func TestEnableThenDisable(t *testing.T) {
	const batch = 2
	d, mockClock, _ := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), batch))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := newNegotiatedFIFO(16)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	test.That(t, d.DisableBuffer(context.Background()), test.ShouldBeNil)

	// The immediate first tick may or may not have started before the disable. Either way it
	// ran to completion and nothing runs afterwards.
	after := d.counter.Read()
	test.That(t, after, test.ShouldBeIn, []uint32{0, batch})
	ticks := d.Stats().Ticks
	mockClock.Add(10 * testPeriod)
	test.That(t, d.counter.Read(), test.ShouldEqual, after)
	test.That(t, d.Stats().Ticks, test.ShouldEqual, ticks)
	test.That(t, fifo.Len(), test.ShouldEqual, int(after))
}

func TestEnableThenDisableWithoutSelection(t *testing.T) {
	d, mockClock, _ := newTestDevice(t, nil)
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	fifo := buffer.NewFIFO(4)

	test.That(t, d.EnableBuffer(context.Background(), fifo), test.ShouldBeNil)
	test.That(t, d.DisableBuffer(context.Background()), test.ShouldBeNil)
	mockClock.Add(10 * testPeriod)
	test.That(t, d.counter.Read(), test.ShouldEqual, uint32(0))
	test.That(t, fifo.Len(), test.ShouldEqual, 0)
}

func TestLifecycleIdempotent(t *testing.T) {
	d, _, _ := newTestDevice(t, nil)
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	ctx := context.Background()

	test.That(t, d.DisableBuffer(ctx), test.ShouldBeNil)
	test.That(t, d.DisableBuffer(ctx), test.ShouldBeNil)
	test.That(t, d.Streaming(), test.ShouldBeFalse)

	fifo := newNegotiatedFIFO(4)
	test.That(t, d.EnableBuffer(ctx, fifo), test.ShouldBeNil)
	test.That(t, d.EnableBuffer(ctx, fifo), test.ShouldBeNil)
	test.That(t, d.Streaming(), test.ShouldBeTrue)

	err := d.EnableBuffer(ctx, newNegotiatedFIFO(4))
	test.That(t, err, test.ShouldBeError, ErrBusy)
	err = d.EnableBuffer(ctx, nil)
	test.That(t, err.Error(), test.ShouldContainSubstring, ErrInvalidRequest.Error())

	test.That(t, d.DisableBuffer(ctx), test.ShouldBeNil)
	test.That(t, d.DisableBuffer(ctx), test.ShouldBeNil)
	test.That(t, d.Streaming(), test.ShouldBeFalse)

	// A fresh session after a disable.
	test.That(t, d.EnableBuffer(ctx, newNegotiatedFIFO(4)), test.ShouldBeNil)
	test.That(t, d.Streaming(), test.ShouldBeTrue)
}

// countingSink is a value sink that cannot be compared with ==.
type countingSink struct {
	fifo   *buffer.FIFO
	pushed map[uint32]bool
}

func (s countingSink) Push(frame []byte) error {
	f, err := DecodeFrame(frame)
	if err != nil {
		return err
	}
	s.pushed[f.Counter()] = true
	return s.fifo.Push(frame)
}

func (s countingSink) ActiveChannelMask() (buffer.ChannelMask, bool) {
	return s.fifo.ActiveChannelMask()
}

func (s countingSink) ExpectedFrameBytes() int {
	return s.fifo.ExpectedFrameBytes()
}

func TestLifecycleUncomparableSink(t *testing.T) {
	d, _, _ := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), 2))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	ctx := context.Background()

	sink := countingSink{fifo: newNegotiatedFIFO(8), pushed: map[uint32]bool{}}
	test.That(t, d.EnableBuffer(ctx, sink), test.ShouldBeNil)
	test.That(t, d.EnableBuffer(ctx, sink), test.ShouldBeNil)
	test.That(t, d.EnableBuffer(ctx, countingSink{fifo: newNegotiatedFIFO(8), pushed: map[uint32]bool{}}), test.ShouldBeNil)
	test.That(t, d.EnableBuffer(ctx, newNegotiatedFIFO(8)), test.ShouldBeError, ErrBusy)
	test.That(t, d.Streaming(), test.ShouldBeTrue)

	waitForTicks(t, d, 1)
	test.That(t, d.DisableBuffer(ctx), test.ShouldBeNil)
	test.That(t, sink.pushed, test.ShouldResemble, map[uint32]bool{0: true, 1: true})
	test.That(t, sink.fifo.Len(), test.ShouldEqual, 2)
}

func TestStreamingSessionsShareCounter(t *testing.T) {
	d, _, _ := newTestDevice(t, params.New(uint32(testPeriod.Milliseconds()), 2))
	defer func() {
		test.That(t, d.Close(context.Background()), test.ShouldBeNil)
	}()
	ctx := context.Background()

	first := newNegotiatedFIFO(8)
	test.That(t, d.EnableBuffer(ctx, first), test.ShouldBeNil)
	waitForTicks(t, d, 1)
	test.That(t, d.DisableBuffer(ctx), test.ShouldBeNil)

	second := newNegotiatedFIFO(8)
	test.That(t, d.EnableBuffer(ctx, second), test.ShouldBeNil)
	waitForTicks(t, d, 2)
	frames := drain(t, second)
	test.That(t, frames, test.ShouldHaveLength, 2)
	test.That(t, frames[0].Counter(), test.ShouldEqual, uint32(2))
}
