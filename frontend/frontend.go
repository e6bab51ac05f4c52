// Package frontend implements the datagram server side of the wire
// protocol: it decodes requests, hands them to the tenant backend
// through a worker pool and writes responses back to their senders.
package frontend

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/fakecert/tenant"
	"github.com/sagernet/fakecert/wire"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"

	"github.com/armon/go-metrics"
)

var _ adapter.Lifecycle = (*Frontend)(nil)

const requestQueueSize = 512

type task struct {
	request *wire.Request
	source  *net.UDPAddr
	arrived time.Time
}

type reply struct {
	payload []byte
	source  *net.UDPAddr
	arrived time.Time
}

// Frontend serves one listen socket bound to one tenant. Requests carry
// no tenant name on the wire; the binding is part of the listener
// configuration.
type Frontend struct {
	ctx             context.Context
	logger          logger.ContextLogger
	registry        *tenant.Registry
	listen          string
	tenantName      string
	workers         int
	readBufferSize  int
	writeBufferSize int

	conn          *net.UDPConn
	requestQueue  chan task
	responseQueue chan reply
	workerGroup   sync.WaitGroup
	readDone      chan struct{}
	writeDone     chan struct{}
	running       atomic.Bool

	labelAccess  sync.RWMutex
	metricLabels []metrics.Label
}

func New(ctx context.Context, logger logger.ContextLogger, registry *tenant.Registry, options option.ListenOptions) *Frontend {
	frontend := &Frontend{
		ctx:             ctx,
		logger:          logger,
		registry:        registry,
		listen:          options.Listen,
		tenantName:      options.Tenant,
		workers:         options.Workers,
		readBufferSize:  options.ReadBufferSize,
		writeBufferSize: options.WriteBufferSize,
		requestQueue:    make(chan task, requestQueueSize),
		responseQueue:   make(chan reply, requestQueueSize),
		readDone:        make(chan struct{}),
		writeDone:       make(chan struct{}),
	}
	if envAddress := os.Getenv(C.ServerAddressEnv); envAddress != "" {
		frontend.listen = envAddress
	}
	if frontend.listen == "" {
		frontend.listen = C.DefaultServerAddress
	}
	if frontend.workers <= 0 {
		frontend.workers = 1
	}
	if frontend.readBufferSize <= 0 {
		frontend.readBufferSize = C.DefaultReadBufferSize
	}
	if frontend.writeBufferSize <= 0 {
		frontend.writeBufferSize = C.DefaultWriteBufferSize
	}
	return frontend
}

func (f *Frontend) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	if f.tenantName == "" {
		tenants := f.registry.List()
		if len(tenants) != 1 {
			return E.New("listen.tenant is required when ", len(tenants), " tenants are configured")
		}
		f.tenantName = tenants[0].Name
	}
	listenAddr, err := net.ResolveUDPAddr("udp", f.listen)
	if err != nil {
		return E.Cause(err, "resolve listen address")
	}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return E.Cause(err, "listen ", f.listen)
	}
	conn.SetReadBuffer(f.readBufferSize)
	conn.SetWriteBuffer(f.writeBufferSize)
	f.conn = conn
	f.running.Store(true)
	for i := 0; i < f.workers; i++ {
		f.workerGroup.Add(1)
		go f.loopProcess()
	}
	go f.loopWrite()
	go f.loopRead()
	f.logger.Info("frontend started at ", conn.LocalAddr(), " for tenant ", f.tenantName)
	return nil
}

// Close drains in order: the read loop stops first, queued requests are
// processed, queued responses are flushed, then the socket closes.
func (f *Frontend) Close() error {
	if !f.running.Swap(false) {
		return nil
	}
	f.conn.SetReadDeadline(time.Now())
	<-f.readDone
	close(f.requestQueue)
	f.workerGroup.Wait()
	close(f.responseQueue)
	<-f.writeDone
	return f.conn.Close()
}

// LocalAddr reports the bound address, useful when listening on port 0.
func (f *Frontend) LocalAddr() net.Addr {
	if f.conn == nil {
		return nil
	}
	return f.conn.LocalAddr()
}

// AddMetricsLabel attaches a label to every metric the frontend emits
// from now on. An existing label with the same name is replaced.
func (f *Frontend) AddMetricsLabel(name string, value string) {
	f.labelAccess.Lock()
	defer f.labelAccess.Unlock()
	for i, label := range f.metricLabels {
		if label.Name == name {
			f.metricLabels[i].Value = value
			return
		}
	}
	f.metricLabels = append(f.metricLabels, metrics.Label{Name: name, Value: value})
}

func (f *Frontend) MetricsLabels() []metrics.Label {
	f.labelAccess.RLock()
	defer f.labelAccess.RUnlock()
	labels := make([]metrics.Label, len(f.metricLabels))
	copy(labels, f.metricLabels)
	return labels
}

func (f *Frontend) loopRead() {
	defer close(f.readDone)
	buffer := make([]byte, f.readBufferSize)
	for {
		n, source, err := f.conn.ReadFromUDP(buffer)
		if err != nil {
			if !f.running.Load() || E.IsClosedOrCanceled(err) {
				return
			}
			f.logger.Error("read request: ", err)
			continue
		}
		metrics.IncrCounterWithLabels([]string{"frontend", "request", "received"}, 1, f.MetricsLabels())
		request, err := wire.DecodeRequest(buffer[:n])
		if err != nil {
			// No response for undecodable datagrams; there is no id to
			// address one to.
			metrics.IncrCounterWithLabels([]string{"frontend", "request", "invalid"}, 1, f.MetricsLabels())
			f.logger.Debug("drop malformed request from ", source, ": ", err)
			continue
		}
		select {
		case f.requestQueue <- task{request: request, source: source, arrived: time.Now()}:
		default:
			metrics.IncrCounterWithLabels([]string{"frontend", "request", "dropped"}, 1, f.MetricsLabels())
			f.logger.Warn("request queue full, dropping request for ", request.Host)
		}
	}
}

func (f *Frontend) loopProcess() {
	defer f.workerGroup.Done()
	for t := range f.requestQueue {
		response := f.process(t.request)
		payload, err := response.Encode()
		if err != nil {
			f.logger.Error("encode response for ", t.request.Host, ": ", err)
			continue
		}
		f.responseQueue <- reply{payload: payload, source: t.source, arrived: t.arrived}
	}
}

func (f *Frontend) process(request *wire.Request) *wire.Response {
	if !f.registry.Running() {
		metrics.IncrCounterWithLabels([]string{"frontend", "request", "failed"}, 1, f.MetricsLabels())
		return errorResponse(request, wire.CodeShuttingDown, "service is shutting down")
	}
	if !f.registry.ValidateHostname(f.tenantName, request.Host) {
		metrics.IncrCounterWithLabels([]string{"frontend", "request", "rejected"}, 1, f.MetricsLabels())
		return errorResponse(request, wire.CodeHostRejected, "hostname rejected by policy")
	}
	mimic, err := request.Mimic()
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"frontend", "request", "invalid"}, 1, f.MetricsLabels())
		return errorResponse(request, wire.CodeBadRequest, "invalid mimic certificate")
	}
	data, err := f.registry.GetCertificate(f.tenantName, request.Host, request.Usage, mimic)
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"frontend", "request", "failed"}, 1, f.MetricsLabels())
		if errors.Is(err, tenant.ErrRegistryClosed) {
			return errorResponse(request, wire.CodeShuttingDown, "service is shutting down")
		}
		f.logger.Error("generate certificate for ", request.Host, ": ", err)
		return errorResponse(request, wire.CodeGenerationFailed, err.Error())
	}
	return &wire.Response{
		ID:      request.ID,
		Host:    request.Host,
		CertPEM: data.CertPEM,
		KeyDER:  data.KeyDER,
		TTL:     data.TTL,
	}
}

func errorResponse(request *wire.Request, code uint16, reason string) *wire.Response {
	return &wire.Response{
		ID:     request.ID,
		Host:   request.Host,
		Code:   code,
		Reason: reason,
	}
}

func (f *Frontend) loopWrite() {
	defer close(f.writeDone)
	// The loop ends when the response queue closes so that queued
	// responses are flushed before the socket goes away.
	for r := range f.responseQueue {
		_, err := f.conn.WriteToUDP(r.payload, r.source)
		if err != nil {
			metrics.IncrCounterWithLabels([]string{"frontend", "response", "failed"}, 1, f.MetricsLabels())
			f.logger.Error("write response to ", r.source, ": ", err)
			continue
		}
		metrics.IncrCounterWithLabels([]string{"frontend", "response", "sent"}, 1, f.MetricsLabels())
		// Receipt to response actually on the wire.
		metrics.MeasureSinceWithLabels([]string{"frontend", "request", "duration"}, r.arrived, f.MetricsLabels())
	}
}
