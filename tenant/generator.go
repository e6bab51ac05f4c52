package tenant

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	C "github.com/sagernet/fakecert/constant"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"

	"github.com/gofrs/uuid/v5"
)

// GeneratedData is one minted certificate as it travels back over the
// wire: the leaf plus issuing chain in PEM, the private key in PKCS#8
// DER, and the TTL the agent may cache it for.
type GeneratedData struct {
	CertPEM string
	KeyDER  []byte
	TTL     uint32
}

type issuedKey struct {
	usage C.CertUsage
	host  string
}

type issuedEntry struct {
	data        *GeneratedData
	validBefore time.Time
}

// Generator mints fake certificates for a single tenant. It keeps its
// own recent-issuance cache, independent of any agent-side caching.
type Generator struct {
	id       uuid.UUID
	name     string
	logger   logger.ContextLogger
	timeFunc func() time.Time
	config   generateConfig
	policy   *HostnamePolicy

	access     sync.Mutex
	caCert     *x509.Certificate
	caKey      crypto.Signer
	caCertPEM  []byte
	issued     map[issuedKey]*issuedEntry
	lastActive time.Time
	closed     bool
}

type generateConfig struct {
	issuedCertTTL     time.Duration
	leafValidity      time.Duration
	idleCheckInterval time.Duration
	tenantIdleTimeout time.Duration
	keepSerial        bool
}

func newGenerator(name string, caCert *x509.Certificate, caKey crypto.Signer, policy *HostnamePolicy, config generateConfig, logger logger.ContextLogger, timeFunc func() time.Time) (*Generator, error) {
	if !publicKeyMatches(caCert.PublicKey, caKey.Public()) {
		return nil, E.New("CA private key does not match CA certificate")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &Generator{
		id:         id,
		name:       name,
		logger:     logger,
		timeFunc:   timeFunc,
		config:     config,
		policy:     policy,
		caCert:     caCert,
		caKey:      caKey,
		caCertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}),
		issued:     make(map[issuedKey]*issuedEntry),
		lastActive: timeFunc(),
	}, nil
}

func publicKeyMatches(certKey crypto.PublicKey, signerKey crypto.PublicKey) bool {
	comparable, isComparable := certKey.(interface {
		Equal(x crypto.PublicKey) bool
	})
	return isComparable && comparable.Equal(signerKey)
}

func (g *Generator) ID() uuid.UUID {
	return g.id
}

func (g *Generator) Name() string {
	return g.name
}

func (g *Generator) ValidateHostname(host string) bool {
	return g.policy.Match(host)
}

// Get returns a certificate for host, minting one when the recent-issued
// cache has no live entry.
func (g *Generator) Get(host string, usage C.CertUsage, mimicCert *x509.Certificate) (*GeneratedData, error) {
	g.access.Lock()
	defer g.access.Unlock()
	if g.closed {
		return nil, E.New("tenant generator is closed")
	}
	now := g.timeFunc()
	g.lastActive = now
	key := issuedKey{usage: usage, host: host}
	if entry, cached := g.issued[key]; cached {
		if now.Before(entry.validBefore) {
			return entry.data, nil
		}
		delete(g.issued, key)
	}
	data, err := g.generate(host, usage, mimicCert, now)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("issued certificate for ", host, " (tenant ", g.name, ", ttl ", data.TTL, "s)")
	g.issued[key] = &issuedEntry{
		data:        data,
		validBefore: now.Add(time.Duration(data.TTL) * time.Second),
	}
	return data, nil
}

func (g *Generator) generate(host string, usage C.CertUsage, mimicCert *x509.Certificate, now time.Time) (*GeneratedData, error) {
	var (
		leafDER    []byte
		privateKey crypto.Signer
		err        error
	)
	if mimicCert != nil {
		leafDER, privateKey, err = buildMimicLeaf(mimicCert, g.caCert, g.caKey, usage, g.config.keepSerial, now)
	} else {
		leafDER, privateKey, err = buildPlainLeaf(host, g.caCert, g.caKey, usage, g.config.leafValidity, now)
	}
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, E.Cause(err, "marshal private key")
	}
	var chain bytes.Buffer
	err = pem.Encode(&chain, &pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	if err != nil {
		return nil, err
	}
	chain.Write(g.caCertPEM)
	ttl := g.config.issuedCertTTL
	if mimicCert != nil {
		if remaining := mimicCert.NotAfter.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return &GeneratedData{
		CertPEM: chain.String(),
		KeyDER:  keyDER,
		TTL:     uint32(ttl / time.Second),
	}, nil
}

func (g *Generator) idleSince(now time.Time) time.Duration {
	g.access.Lock()
	defer g.access.Unlock()
	return now.Sub(g.lastActive)
}

// rotateCA installs new CA material, zeroizing the previous private key.
// Already issued certificates stay cached until their TTL passes.
func (g *Generator) rotateCA(caCert *x509.Certificate, caKey crypto.Signer) error {
	if !publicKeyMatches(caCert.PublicKey, caKey.Public()) {
		return E.New("CA private key does not match CA certificate")
	}
	g.access.Lock()
	defer g.access.Unlock()
	if g.closed {
		return E.New("tenant generator is closed")
	}
	zeroizeKey(g.caKey)
	g.caCert = caCert
	g.caKey = caKey
	g.caCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	return nil
}

func (g *Generator) close() {
	g.access.Lock()
	defer g.access.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	zeroizeKey(g.caKey)
	g.issued = nil
}
