// Package iiosim implements a simulated streaming sensor. It produces synthetic frames on a timer
// while a buffer is attached and answers synchronous raw reads at any time. It exists so that
// data acquisition software can be tested without hardware.
package iiosim

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"go.viam.com/iiosim/buffer"
	"go.viam.com/iiosim/components/sensor"
	"go.viam.com/iiosim/logging"
	"go.viam.com/iiosim/metrics"
	"go.viam.com/iiosim/params"
)

var (
	// ErrInvalidRequest is returned by Query for an unsupported channel or info element, or a
	// destination too small for the result.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrClosed is returned once the device has been closed.
	ErrClosed = errors.New("device closed")
	// ErrBusy is returned by EnableBuffer when a different sink is already attached.
	ErrBusy = errors.New("buffer already attached")
)

// InfoKind names a per channel value that can be queried.
type InfoKind string

// InfoRaw is the unscaled reading.
const InfoRaw InfoKind = "raw"

// Channel describes one measurement channel of the device.
type Channel struct {
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Index     int             `json:"index"`
	ScanIndex int             `json:"scan_index"`
	ScanType  buffer.ScanType `json:"scan_type"`
	Info      []InfoKind      `json:"info"`
}

// Voltage0 is the only channel: four unsigned 32 bit words per scan.
var Voltage0 = Channel{
	Name:      "voltage0",
	Type:      "voltage",
	Index:     0,
	ScanIndex: 0,
	ScanType: buffer.ScanType{
		Endianness:  buffer.LittleEndian,
		RealBits:    32,
		StorageBits: 32,
		Repeat:      4,
	},
	Info: []InfoKind{InfoRaw},
}

// Option configures a Device.
type Option func(*Device)

// WithClock replaces the wall clock, usually with a clock.Mock in tests.
func WithClock(clk clock.Clock) Option {
	return func(d *Device) {
		d.clock = clk
	}
}

// WithMetrics registers the device's stream metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(d *Device) {
		d.reg = reg
	}
}

// Device is a simulated streaming sensor.
type Device struct {
	name    string
	params  *params.Params
	logger  logging.Logger
	clock   clock.Clock
	boot    time.Time
	reg     prometheus.Registerer
	metrics *metrics.Stream

	counter counter

	// mu serializes buffer enable, disable and close.
	mu     sync.Mutex
	stream *stream
	closed atomic.Bool
}

var _ sensor.Sensor = (*Device)(nil)

// NewDevice returns an idle device. A nil p uses the default parameters.
func NewDevice(name string, p *params.Params, logger logging.Logger, opts ...Option) *Device {
	if p == nil {
		p = params.Default()
	}
	d := &Device{
		name:   name,
		params: p,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.boot = d.clock.Now()
	d.metrics = metrics.NewStream(d.reg, name)
	return d
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Channels describes the device's measurement channels.
func (d *Device) Channels() []Channel {
	return []Channel{Voltage0}
}

// Params returns the live tunables the stream reads on every tick.
func (d *Device) Params() *params.Params {
	return d.params
}

// Stats returns the stream counters.
func (d *Device) Stats() metrics.Snapshot {
	return d.metrics.Snapshot()
}

// Readings returns a raw read of voltage0. Setting extra["debug"] to true logs the read.
func (d *Device) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	if debug, _ := extra["debug"].(bool); debug {
		ctx = logging.EnableDebugMode(ctx, "")
	}
	raw := make([]int64, 4)
	if _, err := d.Query(ctx, QueryRequest{Channel: Voltage0.Name, Info: InfoRaw}, raw); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"raw":       raw,
		"counter":   uint32(raw[1]),
		"streaming": d.Streaming(),
	}, nil
}

// DoCommand supports:
//
//	{"command": "read_raw"}
//	{"command": "set_params", "period_ms": 10, "period_count": 4}
//	{"command": "status"}
func (d *Device) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, err := sensor.CommandName(cmd)
	if err != nil {
		return nil, err
	}
	switch name {
	case "read_raw":
		raw := make([]int64, 4)
		if _, err := d.Query(ctx, QueryRequest{Channel: Voltage0.Name, Info: InfoRaw}, raw); err != nil {
			return nil, err
		}
		return map[string]interface{}{"raw": raw}, nil
	case "set_params":
		u, err := params.DecodeUpdate(cmd)
		if err != nil {
			return nil, err
		}
		d.params.Apply(u)
		d.logger.CDebugw(ctx, "parameters updated", "params", d.params.Snapshot())
		return map[string]interface{}{"params": d.params.Snapshot()}, nil
	case "status":
		return map[string]interface{}{
			"streaming": d.Streaming(),
			"params":    d.params.Snapshot(),
			"stats":     d.Stats(),
			"channels":  d.Channels(),
		}, nil
	default:
		return nil, errors.Wrapf(sensor.ErrUnknownCommand, "%q", name)
	}
}

// Close stops streaming, waiting for any tick in progress, and flushes the logger. Later calls
// to EnableBuffer and Query fail with ErrClosed.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Swap(true) {
		return nil
	}
	d.disableLocked(ctx)
	return d.logger.Sync()
}
