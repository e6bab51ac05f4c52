package log

import (
	"io"
	"os"

	"github.com/sagernet/fakecert/option"
	E "github.com/sagernet/sing/common/exceptions"
)

func New(options option.LogOptions) (Factory, error) {
	if options.Disabled {
		return NewNOPFactory(), nil
	}
	var (
		logFile   *os.File
		logWriter io.Writer
	)
	switch options.Output {
	case "", "stderr":
		logWriter = os.Stderr
	case "stdout":
		logWriter = os.Stdout
	default:
		var err error
		logFile, err = os.OpenFile(options.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		logWriter = logFile
	}
	formatter := Formatter{
		DisableColors:    options.DisableColor || logFile != nil,
		DisableTimestamp: !options.Timestamp && logFile == nil,
	}
	factory := NewFactory(formatter, logWriter, logFile)
	if options.Level != "" {
		logLevel, err := ParseLevel(options.Level)
		if err != nil {
			return nil, E.Cause(err, "parse log level")
		}
		factory.SetLevel(logLevel)
	}
	return factory, nil
}
