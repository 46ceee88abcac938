package log

import (
	E "github.com/sagernet/sing/common/exceptions"
)

type Level = uint8

const (
	LevelPanic Level = iota
	LevelFatal
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = []string{"panic", "fatal", "error", "warn", "info", "debug", "trace"}

func FormatLevel(level Level) string {
	if int(level) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[level]
}

func ParseLevel(level string) (Level, error) {
	if level == "warning" {
		level = "warn"
	}
	for parsed, name := range levelNames {
		if level == name {
			return Level(parsed), nil
		}
	}
	return LevelTrace, E.New("unknown log level: ", level)
}
