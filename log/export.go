package log

import (
	"os"
)

var std ContextLogger

func init() {
	std = NewFactory(Formatter{}, os.Stderr, nil).Logger()
}

func StdLogger() ContextLogger {
	return std
}

func Info(args ...any) {
	std.Info(args...)
}

func Warn(args ...any) {
	std.Warn(args...)
}

func Error(args ...any) {
	std.Error(args...)
}

func Fatal(args ...any) {
	std.Fatal(args...)
}
