// Package agent implements the proxy-embedded certificate agent: a
// datagram client with a TTL cache that deduplicates concurrent fetches
// for the same host into a single outstanding wire request.
package agent

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/fakecert/wire"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/ntp"
)

var _ adapter.CertificateAgent = (*Agent)(nil)

var (
	ErrAgentClosed = E.New("certificate agent is closed")
	ErrQueryFailed = E.New("certificate query failed")
)

type Agent struct {
	ctx              context.Context
	logger           logger.ContextLogger
	serverAddress    string
	queryWaitTimeout time.Duration
	queryRetry       int
	protectiveTTL    time.Duration
	maximumTTL       time.Duration
	timeFunc         func() time.Time

	access   sync.Mutex
	cache    map[indexKey]*cacheEntry
	pending  map[indexKey]*pendingQuery
	inflight map[uint64]*pendingQuery

	sequence atomic.Uint64
	conn     *net.UDPConn
	running  atomic.Bool
	done     chan struct{}
}

func New(ctx context.Context, logger logger.ContextLogger, options option.AgentOptions) *Agent {
	agent := &Agent{
		ctx:              ctx,
		logger:           logger,
		serverAddress:    options.Server,
		queryWaitTimeout: time.Duration(options.QueryWaitTimeout),
		queryRetry:       options.QueryRetry,
		protectiveTTL:    time.Duration(options.ProtectiveCacheTTL),
		maximumTTL:       time.Duration(options.MaximumCacheTTL),
		cache:            make(map[indexKey]*cacheEntry),
		pending:          make(map[indexKey]*pendingQuery),
		inflight:         make(map[uint64]*pendingQuery),
		done:             make(chan struct{}),
	}
	if envAddress := os.Getenv(C.ServerAddressEnv); envAddress != "" {
		agent.serverAddress = envAddress
	}
	if agent.serverAddress == "" {
		agent.serverAddress = C.DefaultServerAddress
	}
	if agent.queryWaitTimeout <= 0 {
		agent.queryWaitTimeout = C.DefaultQueryWaitTimeout
	}
	if agent.queryRetry < 0 {
		agent.queryRetry = C.DefaultQueryRetry
	}
	if agent.protectiveTTL <= 0 {
		agent.protectiveTTL = C.DefaultProtectiveCacheTTL
	}
	if agent.maximumTTL <= 0 {
		agent.maximumTTL = C.DefaultMaximumCacheTTL
	}
	if agent.maximumTTL < agent.protectiveTTL {
		agent.maximumTTL = agent.protectiveTTL
	}
	agent.timeFunc = ntp.TimeFuncFromContext(ctx)
	if agent.timeFunc == nil {
		agent.timeFunc = time.Now
	}
	return agent
}

func (a *Agent) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	serverAddr, err := net.ResolveUDPAddr("udp", a.serverAddress)
	if err != nil {
		return E.Cause(err, "resolve certificate server address")
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return E.Cause(err, "dial certificate server")
	}
	conn.SetReadBuffer(C.DefaultReadBufferSize)
	conn.SetWriteBuffer(C.DefaultWriteBufferSize)
	a.conn = conn
	a.running.Store(true)
	go a.loopRead()
	a.logger.Info("certificate agent started, server ", a.serverAddress)
	return nil
}

func (a *Agent) Close() error {
	if !a.running.Swap(false) {
		return nil
	}
	close(a.done)
	err := a.conn.Close()
	a.access.Lock()
	pending := a.pending
	a.pending = make(map[indexKey]*pendingQuery)
	a.inflight = make(map[uint64]*pendingQuery)
	a.access.Unlock()
	for _, query := range pending {
		query.complete(nil, ErrAgentClosed)
	}
	return err
}

// Fetch returns the cached pair for (service, usage, host) or joins the
// outstanding query for it, creating one when none exists. A canceled
// caller context abandons only the caller; the wire query keeps running
// for the remaining waiters.
func (a *Agent) Fetch(ctx context.Context, service C.ServiceType, usage C.CertUsage, host string, mimicCert *x509.Certificate) (*adapter.FakeCertPair, error) {
	if host == "" {
		return nil, E.New("missing hostname")
	}
	if !a.running.Load() {
		return nil, ErrAgentClosed
	}
	key := indexKey{service: service, usage: usage, host: host}
	now := a.timeFunc()

	a.access.Lock()
	if entry, cached := a.cache[key]; cached && !entry.expired(now) {
		a.access.Unlock()
		return entry.pair, nil
	}
	query, outstanding := a.pending[key]
	if !outstanding {
		var err error
		query, err = a.newQuery(key, mimicCert)
		if err != nil {
			a.access.Unlock()
			return nil, err
		}
		a.pending[key] = query
		a.inflight[query.request.ID] = query
		a.access.Unlock()
		go a.transmit(query)
	} else {
		a.access.Unlock()
	}

	select {
	case <-query.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrAgentClosed
	}
	if query.err != nil {
		// The refresh failed, but an expired entry may still be usable.
		a.access.Lock()
		entry, cached := a.cache[key]
		a.access.Unlock()
		if cached {
			a.logger.Warn("query for ", host, " failed, serving stale certificate: ", query.err)
			return entry.pair, nil
		}
		return nil, query.err
	}
	return query.pair, nil
}

func (a *Agent) newQuery(key indexKey, mimicCert *x509.Certificate) (*pendingQuery, error) {
	request := &wire.Request{
		ID:      a.sequence.Add(1),
		Host:    key.host,
		Service: key.service,
		Usage:   key.usage,
	}
	if mimicCert != nil {
		request.MimicCert = mimicCert.Raw
	}
	payload, err := request.Encode()
	if err != nil {
		return nil, E.Cause(err, "encode request")
	}
	return &pendingQuery{
		key:     key,
		request: request,
		payload: payload,
		done:    make(chan struct{}),
	}, nil
}

// finish resolves the outstanding query for key, inserting the cache
// entry on success. Losing the pending slot to a newer query is fine;
// the response is applied to the cache either way.
func (a *Agent) finish(query *pendingQuery, pair *adapter.FakeCertPair, ttl time.Duration, err error) {
	a.access.Lock()
	if a.pending[query.key] == query {
		delete(a.pending, query.key)
	}
	delete(a.inflight, query.request.ID)
	if err == nil {
		a.cache[query.key] = &cacheEntry{
			pair:      pair,
			expiresAt: a.timeFunc().Add(ttl),
		}
	}
	a.access.Unlock()
	query.complete(pair, err)
}

// clampTTL applies the protective floor and configured ceiling. A zero
// TTL from the server means it refused to suggest one.
func (a *Agent) clampTTL(ttl uint32) time.Duration {
	duration := time.Duration(ttl) * time.Second
	if duration < a.protectiveTTL {
		return a.protectiveTTL
	}
	if duration > a.maximumTTL {
		return a.maximumTTL
	}
	return duration
}

func pairFromResponse(response *wire.Response) (*adapter.FakeCertPair, error) {
	var certificates []*x509.Certificate
	rest := []byte(response.CertPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		certificate, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, E.Cause(err, "parse certificate")
		}
		certificates = append(certificates, certificate)
	}
	if len(certificates) == 0 {
		return nil, E.New("empty certificate chain in response")
	}
	privateKey, err := x509.ParsePKCS8PrivateKey(response.KeyDER)
	if err != nil {
		return nil, E.Cause(err, "parse private key")
	}
	return &adapter.FakeCertPair{
		Certificates: certificates,
		PrivateKey:   privateKey,
	}, nil
}
