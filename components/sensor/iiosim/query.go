package iiosim

import (
	"context"

	"github.com/pkg/errors"
)

const (
	// RawMarkerA is the first value of a raw read.
	RawMarkerA = 12345678
	// RawMarkerB is the last value of a raw read.
	RawMarkerB = 87654321

	rawValues = 4
)

// QueryRequest names the value to read.
type QueryRequest struct {
	Channel string   `json:"channel"`
	Info    InfoKind `json:"info"`
}

// Query reads req into dst and returns the number of values written. A raw read of voltage0
// yields RawMarkerA, the counter twice, then RawMarkerB, all from one counter snapshot. Query
// never touches the stream and is safe to call while streaming.
func (d *Device) Query(ctx context.Context, req QueryRequest, dst []int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if req.Channel != Voltage0.Name {
		return 0, errors.Wrapf(ErrInvalidRequest, "unknown channel %q", req.Channel)
	}
	if req.Info != InfoRaw {
		return 0, errors.Wrapf(ErrInvalidRequest, "unsupported info %q", req.Info)
	}
	if len(dst) < rawValues {
		return 0, errors.Wrapf(ErrInvalidRequest, "need room for %d values, have %d", rawValues, len(dst))
	}

	c := int64(d.counter.Read())
	dst[0] = RawMarkerA
	dst[1] = c
	dst[2] = c
	dst[3] = RawMarkerB
	d.logger.CDebugw(ctx, "raw read", "channel", req.Channel, "counter", c)
	return rawValues, nil
}
