// Package cli contains the iiosim command line application.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	// Flags.
	flagDebug        = "debug"
	flagLogFile      = "log-file"
	flagPeriodMS     = "period-ms"
	flagPeriodCount  = "period-count"
	flagAddr         = "addr"
	flagParamsDir    = "params-dir"
	flagBufferLength = "buffer-length"
	flagDepth        = "depth"
	flagDuration     = "duration"
	flagChannel      = "channel"
)

var app = &cli.App{
	Name:            "iiosim",
	Usage:           "simulated streaming sensor for testing acquisition software",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:  flagLogFile,
			Usage: "also write logs to `FILE`, rotated at 100MB",
		},
		&cli.UintFlag{
			Name:  flagPeriodMS,
			Usage: "tick interval in milliseconds (default from IIOSIM_PERIOD_MS or 100)",
		},
		&cli.UintFlag{
			Name:  flagPeriodCount,
			Usage: "frames generated per tick (default from IIOSIM_PERIOD_COUNT or 1)",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "serve",
			Usage: "run the simulator behind an HTTP control API",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  flagAddr,
					Usage: "listen `ADDRESS` (default from IIOSIM_HTTP_ADDR)",
				},
				&cli.StringFlag{
					Name:  flagParamsDir,
					Usage: "mirror the tunables into files under `DIR` and watch them for changes",
				},
				&cli.IntFlag{
					Name:  flagBufferLength,
					Usage: "default buffer length in frames (default from IIOSIM_BUFFER_LENGTH)",
				},
			},
			Action: ServeAction,
		},
		{
			Name:  "stream",
			Usage: "stream frames into an in-process buffer, validate them and print throughput",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  flagDepth,
					Value: 32,
					Usage: "buffer length and frames per read",
				},
				&cli.DurationFlag{
					Name:  flagDuration,
					Usage: "stop after this long; 0 streams until interrupted",
				},
			},
			Action: StreamAction,
		},
		{
			Name:  "read",
			Usage: "do one synchronous raw read",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  flagChannel,
					Value: "voltage0",
					Usage: "channel to read",
				},
			},
			Action: ReadAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
