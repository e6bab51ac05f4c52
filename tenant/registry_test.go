package tenant

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/sing/common/json/badoption"
	"github.com/sagernet/sing/common/logger"

	"github.com/stretchr/testify/require"
)

func testCA(t *testing.T, name string) (certPEM string, keyPEM string, cert *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err = x509.ParseCertificate(certDER)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	return
}

func testMimicLeaf(t *testing.T, host string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(77),
		Subject:      pkix.Name{CommonName: host, Organization: []string{"Real Upstream Inc"}},
		DNSNames:     []string{host, "alt." + host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(48 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

type fakeClock struct {
	access sync.Mutex
	now    time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.access.Lock()
	defer c.access.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.access.Lock()
	defer c.access.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, generate option.GenerateOptions, tenants ...option.TenantOptions) *Registry {
	t.Helper()
	registry := NewRegistry(context.Background(), logger.NOP(), tenants, generate)
	require.NoError(t, registry.Start(adapter.StartStateInitialize))
	require.NoError(t, registry.Start(adapter.StartStateStart))
	t.Cleanup(func() { registry.Close() })
	return registry
}

func parseChain(t *testing.T, chainPEM string) []*x509.Certificate {
	t.Helper()
	var chain []*x509.Certificate
	rest := []byte(chainPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		chain = append(chain, cert)
	}
	require.NotEmpty(t, chain)
	return chain
}

func TestMimicGeneration(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, caCert := testCA(t, "test CA")
	registry := newTestRegistry(t, option.GenerateOptions{}, option.TenantOptions{
		Name:          "default",
		CACertificate: certPEM,
		CAPrivateKey:  keyPEM,
	})
	mimic := testMimicLeaf(t, "example.com")
	data, err := registry.GetCertificate("default", "example.com", C.CertUsageTLSServer, mimic)
	require.NoError(t, err)
	chain := parseChain(t, data.CertPEM)
	leaf := chain[0]
	require.Equal(t, mimic.Subject.CommonName, leaf.Subject.CommonName)
	require.Equal(t, mimic.Subject.Organization, leaf.Subject.Organization)
	require.Equal(t, mimic.DNSNames, leaf.DNSNames)
	require.True(t, mimic.NotAfter.Equal(leaf.NotAfter))
	require.NoError(t, leaf.CheckSignatureFrom(caCert))
	require.NotEqual(t, mimic.SerialNumber, leaf.SerialNumber)

	key, err := x509.ParsePKCS8PrivateKey(data.KeyDER)
	require.NoError(t, err)
	require.IsType(t, &rsa.PrivateKey{}, key)
	require.NotZero(t, data.TTL)
}

func TestPlainGeneration(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, caCert := testCA(t, "test CA")
	registry := newTestRegistry(t, option.GenerateOptions{}, option.TenantOptions{
		Name:          "default",
		CACertificate: certPEM,
		CAPrivateKey:  keyPEM,
	})
	data, err := registry.GetCertificate("default", "plain.example.com", C.CertUsageTLSServer, nil)
	require.NoError(t, err)
	leaf := parseChain(t, data.CertPEM)[0]
	require.Equal(t, "plain.example.com", leaf.Subject.CommonName)
	require.Equal(t, []string{"plain.example.com"}, leaf.DNSNames)
	require.NoError(t, leaf.CheckSignatureFrom(caCert))
}

func TestRecentIssuedCache(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, _ := testCA(t, "test CA")
	registry := newTestRegistry(t, option.GenerateOptions{}, option.TenantOptions{
		Name:          "default",
		CACertificate: certPEM,
		CAPrivateKey:  keyPEM,
	})
	mimic := testMimicLeaf(t, "cached.example.com")
	first, err := registry.GetCertificate("default", "cached.example.com", C.CertUsageTLSServer, mimic)
	require.NoError(t, err)
	second, err := registry.GetCertificate("default", "cached.example.com", C.CertUsageTLSServer, mimic)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()
	certA, keyA, caA := testCA(t, "tenant A CA")
	certB, keyB, caB := testCA(t, "tenant B CA")
	registry := newTestRegistry(t, option.GenerateOptions{},
		option.TenantOptions{Name: "tenant-a", CACertificate: certA, CAPrivateKey: keyA},
		option.TenantOptions{Name: "tenant-b", CACertificate: certB, CAPrivateKey: keyB},
	)
	host := "shared.example.com"
	dataA, err := registry.GetCertificate("tenant-a", host, C.CertUsageTLSServer, nil)
	require.NoError(t, err)
	dataB, err := registry.GetCertificate("tenant-b", host, C.CertUsageTLSServer, nil)
	require.NoError(t, err)
	leafA := parseChain(t, dataA.CertPEM)[0]
	leafB := parseChain(t, dataB.CertPEM)[0]
	require.NoError(t, leafA.CheckSignatureFrom(caA))
	require.NoError(t, leafB.CheckSignatureFrom(caB))
	require.Error(t, leafA.CheckSignatureFrom(caB))
	require.Error(t, leafB.CheckSignatureFrom(caA))
}

func TestCAKeyMismatchRejected(t *testing.T) {
	t.Parallel()
	certA, _, _ := testCA(t, "CA A")
	_, keyB, _ := testCA(t, "CA B")
	registry := NewRegistry(context.Background(), logger.NOP(), nil, option.GenerateOptions{})
	_, err := registry.Create(option.TenantOptions{
		Name:          "mismatch",
		CACertificate: certA,
		CAPrivateKey:  keyB,
	})
	require.Error(t, err)
}

func TestIdleCleanup(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, _ := testCA(t, "test CA")
	clock := newFakeClock()
	registry := NewRegistry(context.Background(), logger.NOP(), nil, option.GenerateOptions{
		IdleCheckInterval: badoption.Duration(time.Hour), // ticks driven manually
		TenantIdleTimeout: badoption.Duration(10 * time.Minute),
	})
	registry.timeFunc = clock.Now
	require.NoError(t, registry.Start(adapter.StartStateInitialize))
	require.NoError(t, registry.Start(adapter.StartStateStart))
	defer registry.Close()

	_, err := registry.Create(option.TenantOptions{Name: "idle", CACertificate: certPEM, CAPrivateKey: keyPEM})
	require.NoError(t, err)
	_, err = registry.Create(option.TenantOptions{Name: "busy", CACertificate: certPEM, CAPrivateKey: keyPEM})
	require.NoError(t, err)

	for tick := 0; tick < 3; tick++ {
		clock.Advance(4 * time.Minute)
		_, err = registry.GetCertificate("busy", "busy.example.com", C.CertUsageTLSServer, nil)
		require.NoError(t, err)
		registry.cleanupIdle()
	}
	_, idleAlive := registry.Generator("idle")
	require.False(t, idleAlive)
	_, busyAlive := registry.Generator("busy")
	require.True(t, busyAlive)

	stats := registry.Stats()
	require.True(t, stats.Running)
	require.True(t, stats.CleanupTaskRunning)
	require.Equal(t, 1, stats.TenantCount)
	require.Equal(t, 1, stats.TotalGenerators)
}

func TestHostnamePolicy(t *testing.T) {
	t.Parallel()
	policy := NewHostnamePolicy(nil, nil)
	require.True(t, policy.Match("anything.example.com"))
	require.False(t, policy.Match(""))

	policy = NewHostnamePolicy([]string{"*.example.com", "exact.test", ".corp.internal"}, []string{"blocked.example.com"})
	require.True(t, policy.Match("foo.example.com"))
	require.False(t, policy.Match("a.b.example.com"))
	require.True(t, policy.Match("exact.test"))
	require.True(t, policy.Match("deep.nested.corp.internal"))
	require.True(t, policy.Match("corp.internal"))
	require.False(t, policy.Match("blocked.example.com"))
	require.False(t, policy.Match("other.test"))
}

func TestValidateHostname(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, _ := testCA(t, "test CA")
	registry := newTestRegistry(t, option.GenerateOptions{}, option.TenantOptions{
		Name:          "default",
		CACertificate: certPEM,
		CAPrivateKey:  keyPEM,
		DeniedHosts:   badoption.Listable[string]{"secret.example.com"},
	})
	require.True(t, registry.ValidateHostname("default", "public.example.com"))
	require.False(t, registry.ValidateHostname("default", "secret.example.com"))
	require.False(t, registry.ValidateHostname("missing-tenant", "public.example.com"))
}

func TestPublishKeyRotation(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, oldCA := testCA(t, "old CA")
	newCertPEM, newKeyPEM, newCA := testCA(t, "new CA")
	registry := newTestRegistry(t, option.GenerateOptions{}, option.TenantOptions{
		Name:          "default",
		CACertificate: certPEM,
		CAPrivateKey:  keyPEM,
	})
	require.NoError(t, registry.PublishKey("default", []byte(newCertPEM), []byte(newKeyPEM)))
	data, err := registry.GetCertificate("default", "rotated.example.com", C.CertUsageTLSServer, nil)
	require.NoError(t, err)
	leaf := parseChain(t, data.CertPEM)[0]
	require.NoError(t, leaf.CheckSignatureFrom(newCA))
	require.Error(t, leaf.CheckSignatureFrom(oldCA))
}

func TestZeroizeKey(t *testing.T) {
	t.Parallel()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	zeroizeKey(rsaKey)
	require.Zero(t, rsaKey.D.Sign())

	ecdsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	zeroizeKey(ecdsaKey)
	require.Zero(t, ecdsaKey.D.Sign())
}

func TestExpiredMimicRejected(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, _ := testCA(t, "test CA")
	registry := newTestRegistry(t, option.GenerateOptions{}, option.TenantOptions{
		Name:          "default",
		CACertificate: certPEM,
		CAPrivateKey:  keyPEM,
	})
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "expired.example.com"},
		NotBefore:    time.Now().Add(-48 * time.Hour),
		NotAfter:     time.Now().Add(-24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	expired, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	_, err = registry.GetCertificate("default", "expired.example.com", C.CertUsageTLSServer, expired)
	require.Error(t, err)
}
