package utils

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/iiosim/logging"
)

func TestSlowLogger(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	mockClock := clock.NewMock()

	done := SlowLogger(context.Background(), mockClock, "still stopping", "device", "sim", logger)
	mockClock.Add(time.Second)
	test.That(t, logs.FilterMessage("still stopping").Len(), test.ShouldEqual, 0)

	mockClock.Add(time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, logs.FilterMessage("still stopping").Len(), test.ShouldEqual, 1)
	})
	entry := logs.FilterMessage("still stopping").All()[0]
	test.That(t, entry.ContextMap()["device"], test.ShouldEqual, "sim")
	test.That(t, entry.ContextMap()["time_elapsed"], test.ShouldEqual, "2s")

	done()
	mockClock.Add(10 * time.Second)
	test.That(t, logs.FilterMessage("still stopping").Len(), test.ShouldEqual, 1)
}

func TestSlowLoggerFastPath(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	done := SlowLogger(context.Background(), clock.New(), "still stopping", "device", "sim", logger)
	done()
	test.That(t, logs.Len(), test.ShouldEqual, 0)
}
