package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.viam.com/iiosim/buffer"
	"go.viam.com/iiosim/components/sensor/iiosim"
	"go.viam.com/iiosim/logging"
	"go.viam.com/iiosim/params"
	"go.viam.com/iiosim/reader"
	"go.viam.com/iiosim/web/server"
)

const deviceName = "sim"

// loadConfig reads the environment and applies the global flags on top.
func loadConfig(c *cli.Context) (*params.ServiceConfig, error) {
	cfg, err := params.LoadEnv()
	if err != nil {
		return nil, err
	}
	if c.IsSet(flagPeriodMS) {
		cfg.PeriodMS = uint32(c.Uint(flagPeriodMS))
	}
	if c.IsSet(flagPeriodCount) {
		cfg.PeriodCount = uint32(c.Uint(flagPeriodCount))
	}
	return cfg, nil
}

// newLogger builds the command logger and installs it as the global logger. The returned
// function closes the log file, if any.
func newLogger(c *cli.Context, cfg *params.ServiceConfig) (logging.Logger, func() error, error) {
	level, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if c.Bool(flagDebug) {
		level = logging.DEBUG
	}
	logger := logging.NewBlankLogger("iiosim")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	logger.SetLevel(level)

	closeLog := func() error { return nil }
	if path := c.String(flagLogFile); path != "" {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 2,
			Compress:   true,
		}
		logger.AddAppender(logging.NewWriterAppender(file))
		closeLog = file.Close
	}
	logging.ReplaceGlobal(logger)
	return logger, closeLog, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// ServeAction runs the device behind the HTTP API until interrupted.
func ServeAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet(flagAddr) {
		cfg.HTTPAddr = c.String(flagAddr)
	}
	if c.IsSet(flagParamsDir) {
		cfg.ParamsDir = c.String(flagParamsDir)
	}
	if c.IsSet(flagBufferLength) {
		cfg.BufferLength = c.Int(flagBufferLength)
	}
	logger, closeLog, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(closeLog())
	}()
	ctx, cancel := signalContext(c)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := cfg.Params()
	device := iiosim.NewDevice(deviceName, p, logger.Sublogger(deviceName), iiosim.WithMetrics(reg))
	defer func() {
		err = multierr.Combine(err, device.Close(context.Background()))
	}()

	if cfg.ParamsDir != "" {
		watcher, watchErr := params.Watch(ctx, cfg.ParamsDir, p, logger.Sublogger("params"))
		if watchErr != nil {
			return watchErr
		}
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
		logger.Infow("watching parameters", "dir", watcher.Dir())
	}

	srv := server.New(device, logger.Sublogger("web"), server.Options{
		Addr:         cfg.HTTPAddr,
		BufferLength: cfg.BufferLength,
		Registry:     reg,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Close(context.Background())
}

// StreamAction attaches an in-process buffer, validates everything read from it and prints a
// throughput line every second.
func StreamAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(closeLog())
	}()
	depth := c.Int(flagDepth)
	if depth <= 0 {
		return errors.Errorf("--%s must be positive", flagDepth)
	}

	ctx, cancel := signalContext(c)
	defer cancel()
	if d := c.Duration(flagDuration); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	device := iiosim.NewDevice(deviceName, cfg.Params(), logger.Sublogger(deviceName))
	defer func() {
		err = multierr.Combine(err, device.Close(context.Background()))
	}()

	ch := iiosim.Voltage0
	fifo := buffer.NewFIFO(depth)
	fifo.Negotiate(buffer.MaskOf(ch.ScanIndex), buffer.ExpectedFrameBytes(ch.ScanType))
	printf(c, "sample format %s\n", ch.ScanType)
	printf(c, "sample size %d bytes\n", buffer.ExpectedFrameBytes(ch.ScanType))

	if err := device.EnableBuffer(ctx, fifo); err != nil {
		return err
	}
	res, runErr := reader.Run(ctx, fifo, reader.Options{
		Depth:  depth,
		Logger: logger.Sublogger("reader"),
		OnReport: func(r reader.Report) {
			printf(c, "  %s\n", r)
		},
	})
	err = multierr.Combine(runErr, device.DisableBuffer(context.Background()), fifo.Close())
	_, dropped := fifo.Stats()
	printf(c, "Done: %d frames, %d jumps, %d dropped\n", res.Frames, res.Jumps, dropped)
	return err
}

// ReadAction prints one raw read.
func ReadAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(closeLog())
	}()
	device := iiosim.NewDevice(deviceName, cfg.Params(), logger.Sublogger(deviceName))
	defer func() {
		goutils.UncheckedError(device.Close(context.Background()))
	}()

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
	defer cancel()
	dst := make([]int64, 4)
	n, err := device.Query(ctx, iiosim.QueryRequest{Channel: c.String(flagChannel), Info: iiosim.InfoRaw}, dst)
	if err != nil {
		return err
	}
	for i, v := range dst[:n] {
		if i > 0 {
			printf(c, " ")
		}
		printf(c, "%d", v)
	}
	printf(c, "\n")
	return nil
}

func printf(c *cli.Context, format string, args ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(c.App.Writer, format, args...)
}
