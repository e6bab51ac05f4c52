// Package tenant implements the multi-tenant certificate generation
// backend: per-tenant CA material, hostname policy, a recent-issuance
// cache and idle cleanup.
package tenant

import (
	"context"
	"crypto/x509"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/fswatch"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/ntp"

	"github.com/gofrs/uuid/v5"
)

var _ adapter.Lifecycle = (*Registry)(nil)

// ErrRegistryClosed is returned for generation attempts after Close, so
// the frontend can answer late requests with a shutting-down code
// instead of a generic failure.
var ErrRegistryClosed = E.New("registry closed")

// Registry owns all tenant generators. The registry lock covers only map
// insert/lookup/removal; generation and cleanup run outside it.
type Registry struct {
	ctx      context.Context
	logger   logger.ContextLogger
	config   generateConfig
	timeFunc func() time.Time

	access  sync.RWMutex
	tenants map[string]*Generator

	initial         []option.TenantOptions
	watchers        []*fswatch.Watcher
	running         atomic.Bool
	cleanupRunning  atomic.Bool
	totalGenerators atomic.Int32
	done            chan struct{}
}

type Info struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func NewRegistry(ctx context.Context, logger logger.ContextLogger, tenants []option.TenantOptions, generate option.GenerateOptions) *Registry {
	config := generateConfig{
		issuedCertTTL:     time.Duration(generate.IssuedCertTTL),
		leafValidity:      time.Duration(generate.LeafValidity),
		idleCheckInterval: time.Duration(generate.IdleCheckInterval),
		tenantIdleTimeout: time.Duration(generate.TenantIdleTimeout),
		keepSerial:        generate.KeepSerial,
	}
	if config.issuedCertTTL <= 0 {
		config.issuedCertTTL = C.DefaultIssuedCertTTL
	}
	if config.leafValidity <= 0 {
		config.leafValidity = C.DefaultLeafValidity
	}
	if config.idleCheckInterval <= 0 {
		config.idleCheckInterval = C.DefaultIdleCheckInterval
	}
	if config.tenantIdleTimeout <= 0 {
		config.tenantIdleTimeout = C.DefaultTenantIdleTimeout
	}
	timeFunc := ntp.TimeFuncFromContext(ctx)
	if timeFunc == nil {
		timeFunc = time.Now
	}
	return &Registry{
		ctx:      ctx,
		logger:   logger,
		config:   config,
		timeFunc: timeFunc,
		tenants:  make(map[string]*Generator),
		initial:  tenants,
		done:     make(chan struct{}),
	}
}

func (r *Registry) Start(stage adapter.StartStage) error {
	switch stage {
	case adapter.StartStateInitialize:
		for _, tenantOptions := range r.initial {
			_, err := r.Create(tenantOptions)
			if err != nil {
				return E.Cause(err, "create tenant ", tenantOptions.Name)
			}
		}
	case adapter.StartStateStart:
		r.running.Store(true)
		r.cleanupRunning.Store(true)
		go r.loopCleanup()
	}
	return nil
}

func (r *Registry) Close() error {
	if !r.running.Swap(false) {
		return nil
	}
	close(r.done)
	r.access.Lock()
	watchers := r.watchers
	r.watchers = nil
	tenants := r.tenants
	r.tenants = make(map[string]*Generator)
	r.access.Unlock()
	for _, watcher := range watchers {
		watcher.Close()
	}
	for _, generator := range tenants {
		generator.close()
		r.totalGenerators.Add(-1)
	}
	return nil
}

// Create registers a tenant generator. Tenant names are unique; the
// generator id is never recycled within the process lifetime.
func (r *Registry) Create(options option.TenantOptions) (*Generator, error) {
	if options.Name == "" {
		return nil, E.New("missing tenant name")
	}
	caCert, caKey, err := loadCA(options)
	if err != nil {
		return nil, err
	}
	policy := NewHostnamePolicy(options.AllowedHosts, options.DeniedHosts)
	generator, err := newGenerator(options.Name, caCert, caKey, policy, r.config, r.logger, r.timeFunc)
	if err != nil {
		return nil, err
	}
	r.access.Lock()
	if _, exists := r.tenants[options.Name]; exists {
		r.access.Unlock()
		return nil, E.New("tenant already exists: ", options.Name)
	}
	r.tenants[options.Name] = generator
	r.access.Unlock()
	r.totalGenerators.Add(1)
	if options.CACertificatePath != "" {
		err = r.watchCA(options)
		if err != nil {
			return nil, err
		}
	}
	r.logger.Info("created tenant ", options.Name, " (", generator.id, ")")
	return generator, nil
}

func (r *Registry) watchCA(options option.TenantOptions) error {
	watcher, err := fswatch.NewWatcher(fswatch.Options{
		Path:   []string{options.CACertificatePath, options.CAPrivateKeyPath},
		Logger: r.logger,
		Callback: func(path string) {
			err := r.reloadCA(options)
			if err != nil {
				r.logger.Error("reload CA for tenant ", options.Name, ": ", err)
			}
		},
	})
	if err != nil {
		return E.Cause(err, "create CA watcher")
	}
	err = watcher.Start()
	if err != nil {
		return E.Cause(err, "start CA watcher")
	}
	r.access.Lock()
	r.watchers = append(r.watchers, watcher)
	r.access.Unlock()
	return nil
}

func (r *Registry) reloadCA(options option.TenantOptions) error {
	caCert, caKey, err := loadCA(options)
	if err != nil {
		return err
	}
	generator, loaded := r.Generator(options.Name)
	if !loaded {
		return nil
	}
	err = generator.rotateCA(caCert, caKey)
	if err != nil {
		return err
	}
	r.logger.Info("reloaded CA for tenant ", options.Name)
	return nil
}

func (r *Registry) Generator(name string) (*Generator, bool) {
	r.access.RLock()
	defer r.access.RUnlock()
	generator, loaded := r.tenants[name]
	return generator, loaded
}

func (r *Registry) Remove(name string) error {
	r.access.Lock()
	generator, loaded := r.tenants[name]
	if loaded {
		delete(r.tenants, name)
	}
	r.access.Unlock()
	if !loaded {
		return E.New("tenant not found: ", name)
	}
	generator.close()
	r.totalGenerators.Add(-1)
	r.logger.Info("removed tenant ", name)
	return nil
}

func (r *Registry) List() []Info {
	r.access.RLock()
	defer r.access.RUnlock()
	infos := make([]Info, 0, len(r.tenants))
	for _, generator := range r.tenants {
		infos = append(infos, Info{ID: generator.id, Name: generator.name})
	}
	return infos
}

// GetCertificate serves one wire request against a tenant's generator.
func (r *Registry) GetCertificate(tenantName string, host string, usage C.CertUsage, mimic *x509.Certificate) (*GeneratedData, error) {
	if !r.running.Load() {
		return nil, ErrRegistryClosed
	}
	generator, loaded := r.Generator(tenantName)
	if !loaded {
		return nil, E.New("tenant not found: ", tenantName)
	}
	return generator.Get(host, usage, mimic)
}

// ValidateHostname applies the tenant policy without generating; callers
// can reject a host before spending a wire round-trip.
func (r *Registry) ValidateHostname(tenantName string, host string) bool {
	generator, loaded := r.Generator(tenantName)
	if !loaded {
		return false
	}
	return generator.ValidateHostname(host)
}

// PublishKey rotates a tenant's CA material.
func (r *Registry) PublishKey(name string, caCertPEM []byte, caKeyPEM []byte) error {
	generator, loaded := r.Generator(name)
	if !loaded {
		return E.New("tenant not found: ", name)
	}
	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return err
	}
	return generator.rotateCA(caCert, caKey)
}

func (r *Registry) Running() bool {
	return r.running.Load()
}

func (r *Registry) Stats() adapter.ServiceStats {
	r.access.RLock()
	tenantCount := len(r.tenants)
	r.access.RUnlock()
	return adapter.ServiceStats{
		Running:            r.running.Load(),
		TenantCount:        tenantCount,
		TotalGenerators:    int(r.totalGenerators.Load()),
		CleanupTaskRunning: r.cleanupRunning.Load(),
	}
}

func (r *Registry) loopCleanup() {
	defer r.cleanupRunning.Store(false)
	ticker := time.NewTicker(r.config.idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupIdle()
		}
	}
}

func (r *Registry) cleanupIdle() {
	now := r.timeFunc()
	var idle []string
	r.access.RLock()
	for name, generator := range r.tenants {
		if generator.idleSince(now) >= r.config.tenantIdleTimeout {
			idle = append(idle, name)
		}
	}
	r.access.RUnlock()
	for _, name := range idle {
		r.access.Lock()
		generator, loaded := r.tenants[name]
		if loaded && generator.idleSince(now) >= r.config.tenantIdleTimeout {
			delete(r.tenants, name)
		} else {
			generator = nil
		}
		r.access.Unlock()
		if generator != nil {
			generator.close()
			r.totalGenerators.Add(-1)
			r.logger.Info("dropped idle tenant ", name)
		}
	}
}
