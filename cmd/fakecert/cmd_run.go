package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	runtimeDebug "runtime/debug"
	"syscall"
	"time"

	"github.com/sagernet/fakecert"
	"github.com/sagernet/fakecert/log"
	"github.com/sagernet/fakecert/option"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var commandRun = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Run: func(cmd *cobra.Command, args []string) {
		err := run()
		if err != nil {
			log.Fatal(err)
		}
	},
	Args: cobra.NoArgs,
}

func init() {
	mainCommand.AddCommand(commandRun)
}

func readConfig() (option.Options, error) {
	var (
		configContent []byte
		err           error
	)
	if configPath == "stdin" {
		configContent, err = io.ReadAll(os.Stdin)
	} else {
		configContent, err = os.ReadFile(configPath)
	}
	if err != nil {
		return option.Options{}, E.Cause(err, "read config at ", configPath)
	}
	var options option.Options
	err = options.UnmarshalJSON(configContent)
	if err != nil {
		return option.Options{}, E.Cause(err, "decode config at ", configPath)
	}
	return options, nil
}

func create(shutdown func()) (*fakecert.Service, context.CancelFunc, error) {
	options, err := readConfig()
	if err != nil {
		return nil, nil, err
	}
	if disableColor {
		if options.Log == nil {
			options.Log = &option.LogOptions{}
		}
		options.Log.DisableColor = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	instance, err := fakecert.NewService(fakecert.Options{
		Options:  options,
		Context:  ctx,
		Shutdown: shutdown,
	})
	if err != nil {
		cancel()
		return nil, nil, E.Cause(err, "create service")
	}
	err = instance.Start()
	if err != nil {
		cancel()
		return nil, nil, E.Cause(err, "start service")
	}
	return instance, cancel, nil
}

func run() error {
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(osSignals)
	controlShutdown := make(chan struct{}, 1)
	requestShutdown := func() {
		select {
		case controlShutdown <- struct{}{}:
		default:
		}
	}
	for {
		instance, cancel, err := create(requestShutdown)
		if err != nil {
			return err
		}
		runtimeDebug.FreeOSMemory()
		for {
			var reload bool
			select {
			case osSignal := <-osSignals:
				if osSignal == syscall.SIGHUP {
					err = check()
					if err != nil {
						log.Error(E.Cause(err, "reload service"))
						continue
					}
					reload = true
				}
			case <-controlShutdown:
			}
			cancel()
			closeCtx, closed := context.WithCancel(context.Background())
			go closeMonitor(closeCtx)
			instance.Close()
			closed()
			if !reload {
				return nil
			}
			break
		}
	}
}

func closeMonitor(ctx context.Context) {
	time.Sleep(3 * time.Second)
	select {
	case <-ctx.Done():
		return
	default:
	}
	log.Fatal("fakecert did not close!")
}
