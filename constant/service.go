package constant

import (
	E "github.com/sagernet/sing/common/exceptions"
)

// ServiceType identifies the protocol context an intercepted connection
// belongs to. The values are part of the wire protocol and must not be
// reordered.
type ServiceType uint8

const (
	ServiceHTTP ServiceType = iota
	ServiceSMTP
	ServiceIMAP
)

func (t ServiceType) String() string {
	switch t {
	case ServiceHTTP:
		return "http"
	case ServiceSMTP:
		return "smtp"
	case ServiceIMAP:
		return "imap"
	default:
		return "unknown"
	}
}

func ParseServiceType(value string) (ServiceType, error) {
	switch value {
	case "http", "":
		return ServiceHTTP, nil
	case "smtp":
		return ServiceSMTP, nil
	case "imap":
		return ServiceIMAP, nil
	default:
		return ServiceHTTP, E.New("unknown service type: ", value)
	}
}

func ServiceTypeFromWire(value uint64) (ServiceType, error) {
	if value > uint64(ServiceIMAP) {
		return ServiceHTTP, E.New("unknown service type value: ", value)
	}
	return ServiceType(value), nil
}

// CertUsage identifies the role the generated certificate plays in the
// fake handshake.
type CertUsage uint8

const (
	CertUsageTLSServer CertUsage = iota
	CertUsageTLCPServerSignature
	CertUsageTLCPServerEncryption
)

func (u CertUsage) String() string {
	switch u {
	case CertUsageTLSServer:
		return "tls_server"
	case CertUsageTLCPServerSignature:
		return "tlcp_server_signature"
	case CertUsageTLCPServerEncryption:
		return "tlcp_server_encryption"
	default:
		return "unknown"
	}
}

func ParseCertUsage(value string) (CertUsage, error) {
	switch value {
	case "tls_server", "":
		return CertUsageTLSServer, nil
	case "tlcp_server_signature":
		return CertUsageTLCPServerSignature, nil
	case "tlcp_server_encryption":
		return CertUsageTLCPServerEncryption, nil
	default:
		return CertUsageTLSServer, E.New("unknown cert usage: ", value)
	}
}

func CertUsageFromWire(value uint64) (CertUsage, error) {
	if value > uint64(CertUsageTLCPServerEncryption) {
		return CertUsageTLSServer, E.New("unknown cert usage value: ", value)
	}
	return CertUsage(value), nil
}
