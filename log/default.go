package log

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	F "github.com/sagernet/sing/common/format"
)

var _ Factory = (*defaultFactory)(nil)

type defaultFactory struct {
	formatter Formatter
	access    sync.Mutex
	writer    io.Writer
	file      *os.File
	level     Level
}

func NewFactory(formatter Formatter, writer io.Writer, file *os.File) Factory {
	return &defaultFactory{
		formatter: formatter,
		writer:    writer,
		file:      file,
		level:     LevelTrace,
	}
}

func (f *defaultFactory) Level() Level {
	return f.level
}

func (f *defaultFactory) SetLevel(level Level) {
	f.level = level
}

func (f *defaultFactory) Logger() ContextLogger {
	return f.NewLogger("")
}

func (f *defaultFactory) NewLogger(tag string) ContextLogger {
	return &defaultLogger{f, tag}
}

func (f *defaultFactory) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

var _ ContextLogger = (*defaultLogger)(nil)

type defaultLogger struct {
	*defaultFactory
	tag string
}

func (l *defaultLogger) Log(ctx context.Context, level Level, args []any) {
	if level > l.level {
		return
	}
	message := l.formatter.Format(ctx, level, l.tag, F.ToString(args...), time.Now())
	if level == LevelPanic {
		panic(message)
	}
	l.access.Lock()
	l.writer.Write([]byte(message))
	l.access.Unlock()
	if level == LevelFatal {
		os.Exit(1)
	}
}

func (l *defaultLogger) Trace(args ...any) {
	l.TraceContext(context.Background(), args...)
}

func (l *defaultLogger) Debug(args ...any) {
	l.DebugContext(context.Background(), args...)
}

func (l *defaultLogger) Info(args ...any) {
	l.InfoContext(context.Background(), args...)
}

func (l *defaultLogger) Warn(args ...any) {
	l.WarnContext(context.Background(), args...)
}

func (l *defaultLogger) Error(args ...any) {
	l.ErrorContext(context.Background(), args...)
}

func (l *defaultLogger) Fatal(args ...any) {
	l.FatalContext(context.Background(), args...)
}

func (l *defaultLogger) Panic(args ...any) {
	l.PanicContext(context.Background(), args...)
}

func (l *defaultLogger) TraceContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelTrace, args)
}

func (l *defaultLogger) DebugContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelDebug, args)
}

func (l *defaultLogger) InfoContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelInfo, args)
}

func (l *defaultLogger) WarnContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelWarn, args)
}

func (l *defaultLogger) ErrorContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelError, args)
}

func (l *defaultLogger) FatalContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelFatal, args)
}

func (l *defaultLogger) PanicContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelPanic, args)
}
