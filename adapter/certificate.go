package adapter

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"

	C "github.com/sagernet/fakecert/constant"
)

// FakeCertPair is a generated leaf certificate with its issuing chain and
// private key. A pair handed out by the agent cache is shared read-only
// between the cache and the handshakes that install it.
type FakeCertPair struct {
	// Certificates holds the leaf first, then the chain towards the CA.
	Certificates []*x509.Certificate
	PrivateKey   crypto.PrivateKey
}

func (p *FakeCertPair) Leaf() *x509.Certificate {
	if len(p.Certificates) == 0 {
		return nil
	}
	return p.Certificates[0]
}

// TLSCertificate converts the pair for use with crypto/tls.
func (p *FakeCertPair) TLSCertificate() tls.Certificate {
	certificate := tls.Certificate{
		PrivateKey: p.PrivateKey,
		Leaf:       p.Leaf(),
	}
	for _, cert := range p.Certificates {
		certificate.Certificate = append(certificate.Certificate, cert.Raw)
	}
	return certificate
}

// CertificateAgent resolves fake certificates for intercepted hosts,
// deduplicating concurrent requests and caching results until their TTL.
type CertificateAgent interface {
	Lifecycle
	Fetch(ctx context.Context, service C.ServiceType, usage C.CertUsage, host string, mimicCert *x509.Certificate) (*FakeCertPair, error)
}
