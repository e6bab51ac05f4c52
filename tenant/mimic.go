package tenant

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	C "github.com/sagernet/fakecert/constant"
	E "github.com/sagernet/sing/common/exceptions"
)

// newKeyFor generates a fresh private key of the same family as the
// mimicked certificate's public key, so the fake leaf looks plausible to
// clients inspecting the key type.
func newKeyFor(publicKey crypto.PublicKey) (crypto.Signer, error) {
	switch publicKey := publicKey.(type) {
	case *rsa.PublicKey:
		return rsa.GenerateKey(rand.Reader, 2048)
	case *ecdsa.PublicKey:
		curve := publicKey.Curve
		if curve == nil {
			curve = elliptic.P256()
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	case ed25519.PublicKey:
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		return privateKey, err
	case nil:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, E.New("unsupported mimic public key type")
	}
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, E.Cause(err, "generate serial number")
	}
	return serial, nil
}

func subjectKeyID(publicKey crypto.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	skid := sha1.Sum(spkiDER)
	return skid[:], nil
}

func keyUsageFor(usage C.CertUsage, mimicUsage x509.KeyUsage) x509.KeyUsage {
	switch usage {
	case C.CertUsageTLCPServerEncryption:
		return x509.KeyUsageKeyAgreement | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment
	case C.CertUsageTLCPServerSignature:
		return x509.KeyUsageContentCommitment | x509.KeyUsageDigitalSignature
	default:
		if mimicUsage != 0 {
			return mimicUsage
		}
		return x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
	}
}

// buildMimicLeaf mints a leaf certificate copying the mimicked
// certificate's subject, SAN entries and validity window, signed by the
// tenant CA.
func buildMimicLeaf(mimic *x509.Certificate, caCert *x509.Certificate, caKey crypto.Signer, usage C.CertUsage, keepSerial bool, now time.Time) ([]byte, crypto.Signer, error) {
	if now.After(mimic.NotAfter) {
		return nil, nil, E.New("mimic certificate is already expired")
	}
	privateKey, err := newKeyFor(mimic.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	var serial *big.Int
	if keepSerial && mimic.SerialNumber != nil {
		serial = mimic.SerialNumber
	} else {
		serial, err = randomSerial()
		if err != nil {
			return nil, nil, err
		}
	}
	template := &x509.Certificate{
		SerialNumber:   serial,
		Subject:        mimic.Subject,
		DNSNames:       mimic.DNSNames,
		IPAddresses:    mimic.IPAddresses,
		EmailAddresses: mimic.EmailAddresses,
		URIs:           mimic.URIs,
		NotBefore:      mimic.NotBefore,
		NotAfter:       mimic.NotAfter,
		KeyUsage:       keyUsageFor(usage, mimic.KeyUsage),
		ExtKeyUsage:    mimic.ExtKeyUsage,
	}
	if len(template.ExtKeyUsage) == 0 {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
	if len(mimic.SubjectKeyId) > 0 {
		template.SubjectKeyId, err = subjectKeyID(privateKey.Public())
		if err != nil {
			return nil, nil, E.Cause(err, "build subject key id")
		}
	}
	if len(mimic.AuthorityKeyId) > 0 {
		template.AuthorityKeyId = caCert.SubjectKeyId
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, template, caCert, privateKey.Public(), caKey)
	if err != nil {
		return nil, nil, E.Cause(err, "sign mimic leaf")
	}
	return leafDER, privateKey, nil
}

// buildPlainLeaf covers requests without a mimic certificate: a minimal
// server leaf for the host with a bounded validity window.
func buildPlainLeaf(host string, caCert *x509.Certificate, caKey crypto.Signer, usage C.CertUsage, validity time.Duration, now time.Time) ([]byte, crypto.Signer, error) {
	privateKey, err := newKeyFor(nil)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validity),
		KeyUsage:     keyUsageFor(usage, 0),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, template, caCert, privateKey.Public(), caKey)
	if err != nil {
		return nil, nil, E.Cause(err, "sign leaf")
	}
	return leafDER, privateKey, nil
}
