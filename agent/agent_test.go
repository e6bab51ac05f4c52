package agent

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/fakecert/wire"
	"github.com/sagernet/sing/common/json/badoption"
	"github.com/sagernet/sing/common/logger"

	"github.com/stretchr/testify/require"
)

type testCertMaterial struct {
	certPEM string
	keyDER  []byte
	leaf    *x509.Certificate
}

func newTestCertMaterial(t *testing.T, host string) *testCertMaterial {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return &testCertMaterial{
		certPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		keyDER:  keyDER,
		leaf:    leaf,
	}
}

func (m *testCertMaterial) response(request *wire.Request, ttl uint32) *wire.Response {
	return &wire.Response{
		ID:      request.ID,
		Host:    request.Host,
		CertPEM: m.certPEM,
		KeyDER:  m.keyDER,
		TTL:     ttl,
	}
}

// testServer answers agent datagrams through a swappable handler. A nil
// handler result drops the request without replying.
type testServer struct {
	t    *testing.T
	conn *net.UDPConn

	access   sync.Mutex
	handler  func(request *wire.Request) *wire.Response
	received atomic.Int32
}

func newTestServer(t *testing.T, handler func(request *wire.Request) *wire.Response) *testServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	server := &testServer{t: t, conn: conn, handler: handler}
	go server.loop()
	t.Cleanup(func() { conn.Close() })
	return server
}

func (s *testServer) address() string {
	return s.conn.LocalAddr().String()
}

func (s *testServer) setHandler(handler func(request *wire.Request) *wire.Response) {
	s.access.Lock()
	s.handler = handler
	s.access.Unlock()
}

func (s *testServer) loop() {
	buffer := make([]byte, C.DefaultReadBufferSize)
	for {
		n, source, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			return
		}
		request, err := wire.DecodeRequest(buffer[:n])
		if err != nil {
			continue
		}
		s.received.Add(1)
		s.access.Lock()
		handler := s.handler
		s.access.Unlock()
		response := handler(request)
		if response == nil {
			continue
		}
		payload, err := response.Encode()
		if err != nil {
			continue
		}
		s.conn.WriteToUDP(payload, source)
	}
}

func newTestAgent(t *testing.T, server *testServer, options option.AgentOptions) *Agent {
	t.Helper()
	options.Server = server.address()
	testAgent := New(context.Background(), logger.NOP(), options)
	require.NoError(t, testAgent.Start(adapter.StartStateStart))
	t.Cleanup(func() { testAgent.Close() })
	return testAgent
}

func TestFetch(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		return material.response(request, 60)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{})
	pair, err := testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, "example.com", pair.Leaf().Subject.CommonName)
	require.IsType(t, &rsa.PrivateKey{}, pair.PrivateKey)
	tlsCert := pair.TLSCertificate()
	require.Len(t, tlsCert.Certificate, 1)
}

func TestFetchCoalescing(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		time.Sleep(100 * time.Millisecond)
		return material.response(request, 60)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{})
	const fetchers = 8
	var group sync.WaitGroup
	pairs := make([]*adapter.FakeCertPair, fetchers)
	errs := make([]error, fetchers)
	for i := 0; i < fetchers; i++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			pairs[index], errs[index] = testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
		}(i)
	}
	group.Wait()
	for i := 0; i < fetchers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, pairs[0], pairs[i])
	}
	require.Equal(t, int32(1), server.received.Load())
}

func TestCacheByKey(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		return material.response(request, 60)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{})
	ctx := context.Background()
	_, err := testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	_, err = testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), server.received.Load())

	// A different usage is a different cache key.
	_, err = testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLCPServerSignature, "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), server.received.Load())
}

func TestTTLClamp(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		return material.response(request, 0)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{
		ProtectiveCacheTTL: badoption.Duration(10 * time.Second),
		MaximumCacheTTL:    badoption.Duration(time.Hour),
	})
	var clock struct {
		sync.Mutex
		now time.Time
	}
	clock.now = time.Now()
	testAgent.timeFunc = func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return clock.now
	}
	advance := func(d time.Duration) {
		clock.Lock()
		clock.now = clock.now.Add(d)
		clock.Unlock()
	}
	ctx := context.Background()

	// A zero TTL is clamped up to the protective TTL.
	_, err := testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	advance(9 * time.Second)
	_, err = testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), server.received.Load())
	advance(2 * time.Second)
	_, err = testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), server.received.Load())

	// An oversized TTL is clamped down to the maximum TTL.
	server.setHandler(func(request *wire.Request) *wire.Response {
		return material.response(request, 24*60*60)
	})
	advance(11 * time.Second)
	_, err = testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), server.received.Load())
	advance(59 * time.Minute)
	_, err = testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.Equal(t, int32(3), server.received.Load())
	require.NoError(t, err)
	advance(2 * time.Minute)
	_, err = testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Equal(t, int32(4), server.received.Load())
}

func TestStaleFallback(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		return material.response(request, 30)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{
		QueryWaitTimeout: badoption.Duration(200 * time.Millisecond),
		QueryRetry:       0,
	})
	var clock struct {
		sync.Mutex
		now time.Time
	}
	clock.now = time.Now()
	testAgent.timeFunc = func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return clock.now
	}
	ctx := context.Background()
	first, err := testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)

	// Expire the entry and make the refresh time out; the expired entry
	// is still served.
	server.setHandler(func(request *wire.Request) *wire.Response { return nil })
	clock.Lock()
	clock.now = clock.now.Add(time.Minute)
	clock.Unlock()
	stale, err := testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Same(t, first, stale)
}

func TestRetransmitSameID(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	var ids []uint64
	var idAccess sync.Mutex
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		idAccess.Lock()
		ids = append(ids, request.ID)
		count := len(ids)
		idAccess.Unlock()
		if count < 3 {
			return nil
		}
		return material.response(request, 60)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{
		QueryWaitTimeout: badoption.Duration(time.Second),
		QueryRetry:       2,
	})
	_, err := testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	idAccess.Lock()
	defer idAccess.Unlock()
	require.Len(t, ids, 3)
	require.Equal(t, ids[0], ids[1])
	require.Equal(t, ids[0], ids[2])
}

func TestErrorResponse(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		return &wire.Response{
			ID:     request.ID,
			Host:   request.Host,
			Code:   wire.CodeHostRejected,
			Reason: "host not allowed",
		}
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{})
	_, err := testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "denied.example.com", nil)
	require.ErrorIs(t, err, ErrQueryFailed)
	require.Contains(t, err.Error(), "host not allowed")
}

func TestFetchContextCanceled(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	released := make(chan struct{})
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		<-released
		return material.response(request, 60)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{
		QueryWaitTimeout: badoption.Duration(5 * time.Second),
		QueryRetry:       0,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := testAgent.Fetch(ctx, C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The caller gave up, but the query it started stays in flight. Once
	// the server answers, later calls are served without new wire traffic.
	close(released)
	pair, err := testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, server.received.Load())

	again, err := testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
	require.NoError(t, err)
	require.Same(t, pair, again)
	require.EqualValues(t, 1, server.received.Load())
}

func TestMimicForwarded(t *testing.T) {
	t.Parallel()
	material := newTestCertMaterial(t, "example.com")
	var mimicDER []byte
	var mimicAccess sync.Mutex
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		mimicAccess.Lock()
		mimicDER = request.MimicCert
		mimicAccess.Unlock()
		return material.response(request, 60)
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{})
	_, err := testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "example.com", material.leaf)
	require.NoError(t, err)
	mimicAccess.Lock()
	defer mimicAccess.Unlock()
	require.Equal(t, material.leaf.Raw, mimicDER)
}

func TestCloseFailsPending(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(request *wire.Request) *wire.Response {
		return nil
	})
	testAgent := newTestAgent(t, server, option.AgentOptions{
		QueryWaitTimeout: badoption.Duration(5 * time.Second),
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := testAgent.Fetch(context.Background(), C.ServiceHTTP, C.CertUsageTLSServer, "example.com", nil)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, testAgent.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrAgentClosed)
	case <-time.After(time.Second):
		t.Fatal("fetch did not fail after close")
	}
}
