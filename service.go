// Package fakecert assembles the fake-certificate generation service:
// the tenant registry, the datagram frontend serving agents and the
// management API.
package fakecert

import (
	"context"
	"os"
	"time"

	"github.com/sagernet/fakecert/adapter"
	"github.com/sagernet/fakecert/control"
	"github.com/sagernet/fakecert/frontend"
	"github.com/sagernet/fakecert/log"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/fakecert/tenant"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"

	"github.com/armon/go-metrics"
)

var _ adapter.SimpleLifecycle = (*Service)(nil)

type Service struct {
	createdAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	logFactory log.Factory
	logger     log.ContextLogger
	registry   *tenant.Registry
	frontend   *frontend.Frontend
	control    *control.Server
	done       chan struct{}
}

type Options struct {
	option.Options
	Context context.Context

	// Shutdown is invoked when a graceful shutdown is requested through
	// the control api.
	Shutdown func()
}

func NewService(options Options) (*Service, error) {
	createdAt := time.Now()
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	logFactory, err := log.New(common.PtrValueOrDefault(options.Log))
	if err != nil {
		cancel()
		return nil, E.Cause(err, "create log factory")
	}
	service := &Service{
		createdAt:  createdAt,
		ctx:        ctx,
		cancel:     cancel,
		logFactory: logFactory,
		logger:     logFactory.Logger(),
		done:       make(chan struct{}),
	}
	service.registry = tenant.NewRegistry(ctx, logFactory.NewLogger("tenant"), options.Tenants, common.PtrValueOrDefault(options.Generate))
	service.frontend = frontend.New(ctx, logFactory.NewLogger("frontend"), service.registry, common.PtrValueOrDefault(options.Listen))
	if options.Control != nil && options.Control.Listen != "" {
		service.control = control.NewServer(logFactory.NewLogger("control"), service.registry, service.frontend, options.Shutdown, *options.Control)
	}
	return service, nil
}

// Registry exposes the tenant registry for embedders; the CLI uses it
// for config checks.
func (s *Service) Registry() *tenant.Registry {
	return s.registry
}

func (s *Service) Frontend() *frontend.Frontend {
	return s.frontend
}

func (s *Service) Start() error {
	initializeMetrics()
	for _, stage := range adapter.ListStartStages {
		err := adapter.Start(stage, s.registry, s.frontend)
		if err != nil {
			s.Close()
			return E.Cause(err, stage.Action())
		}
		if s.control != nil {
			err = s.control.Start(stage)
			if err != nil {
				s.Close()
				return E.Cause(err, stage.Action(), " control api")
			}
		}
	}
	s.logger.Info("fakecert started (", F.Seconds(time.Since(s.createdAt).Seconds()), "s)")
	return nil
}

func (s *Service) Close() error {
	select {
	case <-s.done:
		return os.ErrClosed
	default:
		close(s.done)
	}
	var err error
	if s.control != nil {
		err = E.Append(err, s.control.Close(), func(err error) error {
			return E.Cause(err, "close control api")
		})
	}
	err = E.Append(err, s.frontend.Close(), func(err error) error {
		return E.Cause(err, "close frontend")
	})
	err = E.Append(err, s.registry.Close(), func(err error) error {
		return E.Cause(err, "close tenant registry")
	})
	s.cancel()
	err = E.Append(err, s.logFactory.Close(), func(err error) error {
		return E.Cause(err, "close logger")
	})
	return err
}

// initializeMetrics installs the in-memory sink counters and latency
// samples are recorded to.
func initializeMetrics() {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	config := metrics.DefaultConfig("fakecert")
	config.TimerGranularity = time.Nanosecond
	metrics.NewGlobal(config, sink)
}
