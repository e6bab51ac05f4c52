package tenant

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"

	"github.com/sagernet/fakecert/option"
	E "github.com/sagernet/sing/common/exceptions"

	"golang.org/x/crypto/pkcs12"
	modernpkcs12 "software.sslmate.com/src/go-pkcs12"
)

func loadCA(options option.TenantOptions) (*x509.Certificate, crypto.Signer, error) {
	switch {
	case options.KeyPair != "":
		pfxBytes, err := base64.StdEncoding.DecodeString(options.KeyPair)
		if err != nil {
			return nil, nil, E.Cause(err, "decode key pair base64 bytes")
		}
		// Legacy bundles (RC2/3DES) decode with x/crypto; bundles from
		// `fakecert generate ca-keypair` use modern ciphers.
		privateKey, certificate, err := pkcs12.Decode(pfxBytes, options.KeyPassword)
		if err != nil {
			privateKey, certificate, err = modernpkcs12.Decode(pfxBytes, options.KeyPassword)
		}
		if err != nil {
			return nil, nil, E.Cause(err, "decode key pair")
		}
		signer, isSigner := privateKey.(crypto.Signer)
		if !isSigner {
			return nil, nil, E.New("unsupported private key type in key pair")
		}
		return certificate, signer, nil
	case options.CACertificatePath != "":
		certPEM, err := os.ReadFile(options.CACertificatePath)
		if err != nil {
			return nil, nil, E.Cause(err, "read CA certificate at ", options.CACertificatePath)
		}
		keyPEM, err := os.ReadFile(options.CAPrivateKeyPath)
		if err != nil {
			return nil, nil, E.Cause(err, "read CA private key at ", options.CAPrivateKeyPath)
		}
		return parseCA(certPEM, keyPEM)
	case options.CACertificate != "":
		return parseCA([]byte(options.CACertificate), []byte(options.CAPrivateKey))
	default:
		return nil, nil, E.New("missing CA material for tenant ", options.Name)
	}
}

func parseCA(certPEM []byte, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, E.New("invalid CA certificate PEM")
	}
	certificate, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, E.Cause(err, "parse CA certificate")
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, E.New("invalid CA private key PEM")
	}
	privateKey, err := parsePrivateKey(keyBlock)
	if err != nil {
		return nil, nil, err
	}
	return certificate, privateKey, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	var (
		privateKey any
		err        error
	)
	switch block.Type {
	case "PRIVATE KEY":
		privateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		privateKey, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, E.New("unsupported private key PEM type: ", block.Type)
	}
	if err != nil {
		return nil, E.Cause(err, "parse CA private key")
	}
	signer, isSigner := privateKey.(crypto.Signer)
	if !isSigner {
		return nil, E.New("unsupported private key type")
	}
	return signer, nil
}
