// Package mitm sequences the two TLS handshakes of an intercepted
// connection: upstream first, so the real certificate and negotiated
// protocol are known, then the client side with a freshly fetched fake
// certificate. Any failure tears the connection down; interception
// never silently degrades to presenting the real certificate.
package mitm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/fakecert/tenant"
	"github.com/sagernet/sing/common/bufio"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/sing/common/ntp"
)

// Metadata describes the intercepted connection as learned from the
// client hello before interception starts.
type Metadata struct {
	ServerName  string
	NextProtos  []string
	Destination M.Socksaddr
	Service     C.ServiceType
}

type Handler struct {
	ctx      context.Context
	logger   logger.ContextLogger
	agent    adapter.CertificateAgent
	dialer   N.Dialer
	policy   *tenant.HostnamePolicy
	timeFunc func() time.Time

	upstreamConnectTimeout   time.Duration
	upstreamHandshakeTimeout time.Duration
	clientHandshakeTimeout   time.Duration
	insecureSkipVerify       bool

	// observed by state machine tests
	onTransition func(State)
}

func NewHandler(ctx context.Context, logger logger.ContextLogger, certAgent adapter.CertificateAgent, dialer N.Dialer, options option.MITMOptions) *Handler {
	handler := &Handler{
		ctx:                      ctx,
		logger:                   logger,
		agent:                    certAgent,
		dialer:                   dialer,
		policy:                   tenant.NewHostnamePolicy(options.AllowedHosts, options.DeniedHosts),
		upstreamConnectTimeout:   time.Duration(options.UpstreamConnectTimeout),
		upstreamHandshakeTimeout: time.Duration(options.UpstreamHandshakeTimeout),
		clientHandshakeTimeout:   time.Duration(options.ClientHandshakeTimeout),
		insecureSkipVerify:       options.InsecureSkipVerify,
	}
	if handler.upstreamConnectTimeout <= 0 {
		handler.upstreamConnectTimeout = C.DefaultUpstreamConnectTimeout
	}
	if handler.upstreamHandshakeTimeout <= 0 {
		handler.upstreamHandshakeTimeout = C.DefaultUpstreamHandshakeTimeout
	}
	if handler.clientHandshakeTimeout <= 0 {
		handler.clientHandshakeTimeout = C.DefaultClientHandshakeTimeout
	}
	handler.timeFunc = ntp.TimeFuncFromContext(ctx)
	if handler.timeFunc == nil {
		handler.timeFunc = time.Now
	}
	return handler
}

// NewConnection intercepts conn towards metadata.Destination. It returns
// ErrHostBypassed without touching the connection when the host is
// outside the interception policy.
func (h *Handler) NewConnection(ctx context.Context, conn net.Conn, metadata Metadata) error {
	serverName := metadata.ServerName
	if serverName == "" && metadata.Destination.IsFqdn() {
		serverName = metadata.Destination.Fqdn
	}
	if serverName == "" || !h.policy.Match(serverName) {
		return ErrHostBypassed
	}
	c := &connection{handler: h, clientConn: conn, serverName: serverName, metadata: metadata}
	defer c.release()
	err := c.run(ctx)
	if err != nil {
		c.transition(StateFailed)
		h.logger.ErrorContext(ctx, "interception of ", serverName, " failed in ", c.state, ": ", err)
		return err
	}
	return nil
}

type connection struct {
	handler    *Handler
	state      State
	serverName string
	metadata   Metadata

	clientConn   net.Conn
	upstreamConn net.Conn
	upstreamTLS  *tls.Conn
	clientTLS    *tls.Conn
}

func (c *connection) transition(state State) {
	c.state = state
	if c.handler.onTransition != nil {
		c.handler.onTransition(state)
	}
}

func (c *connection) run(ctx context.Context) error {
	err := c.connectUpstream(ctx)
	if err != nil {
		return err
	}
	upstreamLeaf, negotiated, err := c.handshakeUpstream(ctx)
	if err != nil {
		return err
	}
	pair, err := c.fetchCertificate(ctx, upstreamLeaf)
	if err != nil {
		return err
	}
	err = c.handshakeClient(ctx, pair, negotiated)
	if err != nil {
		return err
	}
	c.transition(StateTransferring)
	return bufio.CopyConn(ctx, c.clientTLS, c.upstreamTLS)
}

func (c *connection) connectUpstream(ctx context.Context) error {
	c.transition(StateAwaitingUpstreamConnect)
	connectCtx, cancel := context.WithTimeout(ctx, c.handler.upstreamConnectTimeout)
	defer cancel()
	upstreamConn, err := c.handler.dialer.DialContext(connectCtx, N.NetworkTCP, c.metadata.Destination)
	if err != nil {
		return E.Cause(ErrUpstreamConnect, c.metadata.Destination, ": ", err)
	}
	c.upstreamConn = upstreamConn
	return nil
}

// handshakeUpstream completes the upstream leg and reports the real leaf
// certificate and the protocol the upstream selected.
func (c *connection) handshakeUpstream(ctx context.Context) (*x509.Certificate, string, error) {
	c.transition(StateUpstreamHandshaking)
	tlsConfig := &tls.Config{
		Time:               c.handler.timeFunc,
		ServerName:         c.serverName,
		NextProtos:         c.metadata.NextProtos,
		InsecureSkipVerify: c.handler.insecureSkipVerify,
	}
	tlsConn := tls.Client(c.upstreamConn, tlsConfig)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.handler.upstreamHandshakeTimeout)
	defer cancel()
	err := tlsConn.HandshakeContext(handshakeCtx)
	if err != nil {
		return nil, "", E.Cause(ErrUpstreamHandshake, c.serverName, ": ", err)
	}
	c.upstreamTLS = tlsConn
	connectionState := tlsConn.ConnectionState()
	if len(connectionState.PeerCertificates) == 0 {
		return nil, "", E.Cause(ErrUpstreamHandshake, "no peer certificate from ", c.serverName)
	}
	return connectionState.PeerCertificates[0], connectionState.NegotiatedProtocol, nil
}

// fetchCertificate asks the agent for a fake pair mimicking the real
// upstream leaf. The caller context is passed through so a disconnected
// client abandons only its own waiter registration, never the in-flight
// wire request other connections may be waiting on.
func (c *connection) fetchCertificate(ctx context.Context, upstreamLeaf *x509.Certificate) (*adapter.FakeCertPair, error) {
	c.transition(StateFetchingFakeCert)
	pair, err := c.handler.agent.Fetch(ctx, c.metadata.Service, C.CertUsageTLSServer, c.serverName, upstreamLeaf)
	if err != nil {
		return nil, E.Cause(ErrNoFakeCertificate, c.serverName, ": ", err)
	}
	return pair, nil
}

// handshakeClient serves the fake certificate to the client, with ALPN
// pinned to whatever the upstream actually selected.
func (c *connection) handshakeClient(ctx context.Context, pair *adapter.FakeCertPair, negotiated string) error {
	c.transition(StateClientHandshaking)
	tlsConfig := &tls.Config{
		Time:         c.handler.timeFunc,
		Certificates: []tls.Certificate{pair.TLSCertificate()},
	}
	if negotiated != "" {
		tlsConfig.NextProtos = []string{negotiated}
	}
	tlsConn := tls.Server(c.clientConn, tlsConfig)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.handler.clientHandshakeTimeout)
	defer cancel()
	err := tlsConn.HandshakeContext(handshakeCtx)
	if err != nil {
		return E.Cause(ErrClientHandshake, c.serverName, ": ", err)
	}
	c.clientTLS = tlsConn
	return nil
}

// release closes both legs on every exit path. Closing the raw
// connections also tears down any TLS wrappers over them.
func (c *connection) release() {
	if c.upstreamConn != nil {
		c.upstreamConn.Close()
	}
	c.clientConn.Close()
}
