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

var levelNames = []string{
	LevelPanic: "panic",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

func FormatLevel(level Level) string {
	if int(level) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[level]
}

func ParseLevel(name string) (Level, error) {
	if name == "warning" {
		name = "warn"
	}
	for level, levelName := range levelNames {
		if name == levelName {
			return Level(level), nil
		}
	}
	return LevelTrace, E.New("unknown log level: ", name)
}
