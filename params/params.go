// Package params holds the externally tunable simulator settings. Values may be changed at any
// time from any goroutine; readers always see the latest store.
package params

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	// PeriodMSName is the name of the tick interval parameter, in milliseconds.
	PeriodMSName = "period_ms"
	// PeriodCountName is the name of the frames-per-tick parameter.
	PeriodCountName = "period_count"

	// DefaultPeriodMS is the default tick interval.
	DefaultPeriodMS = 100
	// DefaultPeriodCount is the default number of frames per tick.
	DefaultPeriodCount = 1
)

// Params are the two stream tunables. No range checking happens here: a value of 0 is stored
// as-is and it is up to the reader to clamp it.
type Params struct {
	periodMS    *atomic.Uint32
	periodCount *atomic.Uint32
}

// New returns Params with the given initial values.
func New(periodMS, periodCount uint32) *Params {
	return &Params{
		periodMS:    atomic.NewUint32(periodMS),
		periodCount: atomic.NewUint32(periodCount),
	}
}

// Default returns Params with DefaultPeriodMS and DefaultPeriodCount.
func Default() *Params {
	return New(DefaultPeriodMS, DefaultPeriodCount)
}

// PeriodMS returns the tick interval in milliseconds.
func (p *Params) PeriodMS() uint32 {
	return p.periodMS.Load()
}

// SetPeriodMS sets the tick interval in milliseconds.
func (p *Params) SetPeriodMS(v uint32) {
	p.periodMS.Store(v)
}

// PeriodCount returns the number of frames generated per tick.
func (p *Params) PeriodCount() uint32 {
	return p.periodCount.Load()
}

// SetPeriodCount sets the number of frames generated per tick.
func (p *Params) SetPeriodCount(v uint32) {
	p.periodCount.Store(v)
}

// Values is a point-in-time copy of Params.
type Values struct {
	PeriodMS    uint32 `json:"period_ms"`
	PeriodCount uint32 `json:"period_count"`
}

// Snapshot returns the current values.
func (p *Params) Snapshot() Values {
	return Values{PeriodMS: p.PeriodMS(), PeriodCount: p.PeriodCount()}
}

// Update is a partial change. Nil fields are left alone.
type Update struct {
	PeriodMS    *uint32 `json:"period_ms,omitempty" mapstructure:"period_ms"`
	PeriodCount *uint32 `json:"period_count,omitempty" mapstructure:"period_count"`
}

// Apply stores every non-nil field of u.
func (p *Params) Apply(u Update) {
	if u.PeriodMS != nil {
		p.SetPeriodMS(*u.PeriodMS)
	}
	if u.PeriodCount != nil {
		p.SetPeriodCount(*u.PeriodCount)
	}
}

// DecodeUpdate extracts an Update from a loosely typed attribute map such as a DoCommand
// payload. Keys other than the parameter names are ignored.
func DecodeUpdate(attrs map[string]interface{}) (Update, error) {
	var u Update
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &u})
	if err != nil {
		return Update{}, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return Update{}, errors.Wrap(err, "invalid parameter update")
	}
	return u, nil
}

// ServiceConfig is the process level configuration read from IIOSIM_* environment variables.
type ServiceConfig struct {
	PeriodMS     uint32 `envconfig:"PERIOD_MS" default:"100"`
	PeriodCount  uint32 `envconfig:"PERIOD_COUNT" default:"1"`
	BufferLength int    `envconfig:"BUFFER_LENGTH" default:"32"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:"localhost:8080"`
	ParamsDir    string `envconfig:"PARAMS_DIR"`
}

// LoadEnv reads ServiceConfig from the environment.
func LoadEnv() (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := envconfig.Process("iiosim", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return &cfg, nil
}

// Params builds the stream tunables from the configured initial values.
func (cfg *ServiceConfig) Params() *Params {
	return New(cfg.PeriodMS, cfg.PeriodCount)
}
