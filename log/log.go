package log

import (
	"io"
	"os"
	"time"

	"github.com/obfstcp/obfstcp/option"

	E "github.com/sagernet/sing/common/exceptions"
)

type Options struct {
	Options       option.LogOptions
	DefaultWriter io.Writer
	BaseTime      time.Time
}

// New builds a Factory from user options. When logging to a file, colors
// are always disabled and timestamps are only written if requested.
func New(options Options) (Factory, error) {
	logOptions := options.Options
	if logOptions.Disabled {
		return NewNOPFactory(), nil
	}

	var (
		logFile   *os.File
		logWriter io.Writer
	)
	switch logOptions.Output {
	case "":
		logWriter = options.DefaultWriter
		if logWriter == nil {
			logWriter = os.Stderr
		}
	case "stderr":
		logWriter = os.Stderr
	case "stdout":
		logWriter = os.Stdout
	default:
		var err error
		logFile, err = os.OpenFile(logOptions.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, E.Cause(err, "open log output")
		}
		logWriter = logFile
	}

	factory := &simpleFactory{
		formatter: Formatter{
			BaseTime:         options.BaseTime,
			DisableColors:    logOptions.DisableColor || logFile != nil,
			DisableTimestamp: !logOptions.Timestamp && logFile != nil,
			FullTimestamp:    logOptions.Timestamp,
			TimestampFormat:  "-0700 2006-01-02 15:04:05",
		},
		writer: logWriter,
		file:   logFile,
		level:  LevelTrace,
	}
	if logOptions.Level != "" {
		logLevel, err := ParseLevel(logOptions.Level)
		if err != nil {
			return nil, E.Cause(err, "parse log level")
		}
		factory.SetLevel(logLevel)
	}
	return factory, nil
}
