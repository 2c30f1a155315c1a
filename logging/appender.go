package logging

import (
	"io"
	"os"

	"go.uber.org/zap/zapcore"
)

// DefaultTimeFormatStr is the time layout used in the first column of every console log line.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender is an output for log entries. Any zapcore.Core (e.g. the zaptest observer) also
// satisfies this interface.
type Appender interface {
	Write(zapcore.Entry, []zapcore.Field) error
	Sync() error
}

// ConsoleAppender writes tab separated log lines to the underlying writer:
//
//	2023-10-30T09:12:09.459-0400	INFO	stream	iiosim/stream.go:87	message	{"key":"value"}
type ConsoleAppender struct {
	io.Writer
}

// NewWriterAppender creates a new appender that outputs to the given writer.
func NewWriterAppender(writer io.Writer) ConsoleAppender {
	return ConsoleAppender{writer}
}

var consoleEncoderConfig = zapcore.EncoderConfig{
	TimeKey:          "ts",
	LevelKey:         "level",
	NameKey:          "logger",
	CallerKey:        "caller",
	FunctionKey:      zapcore.OmitKey,
	MessageKey:       "msg",
	StacktraceKey:    "stacktrace",
	LineEnding:       zapcore.DefaultLineEnding,
	EncodeLevel:      zapcore.CapitalLevelEncoder,
	EncodeTime:       zapcore.TimeEncoderOfLayout(DefaultTimeFormatStr),
	EncodeDuration:   zapcore.StringDurationEncoder,
	EncodeCaller:     zapcore.ShortCallerEncoder,
	ConsoleSeparator: "\t",
}

// Write outputs the log entry to the underlying stream.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := zapcore.NewConsoleEncoder(consoleEncoderConfig).EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	_, err = appender.Writer.Write(buf.Bytes())
	return err
}

// Sync is a no-op unless the underlying writer is a file.
func (appender ConsoleAppender) Sync() error {
	if file, ok := appender.Writer.(*os.File); ok && file != os.Stdout && file != os.Stderr {
		return file.Sync()
	}
	return nil
}

func callerToString(caller *zapcore.EntryCaller) string {
	return caller.TrimmedPath()
}
