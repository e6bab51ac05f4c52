package mitm

import E "github.com/sagernet/sing/common/exceptions"

// State tracks one intercepted connection through its handshake
// sequence. The client handshake is never attempted before the upstream
// handshake has completed; the fake certificate mimics the real one.
type State uint8

const (
	StateAwaitingUpstreamConnect State = iota
	StateUpstreamHandshaking
	StateFetchingFakeCert
	StateClientHandshaking
	StateTransferring
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingUpstreamConnect:
		return "awaiting-upstream-connect"
	case StateUpstreamHandshaking:
		return "upstream-handshaking"
	case StateFetchingFakeCert:
		return "fetching-fake-cert"
	case StateClientHandshaking:
		return "client-handshaking"
	case StateTransferring:
		return "transferring"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrHostBypassed reports a host outside the interception policy.
	// The caller should tunnel the connection without decryption.
	ErrHostBypassed = E.New("host bypassed by interception policy")

	ErrUpstreamConnect   = E.New("upstream connect failed")
	ErrUpstreamHandshake = E.New("upstream TLS handshake failed")
	ErrNoFakeCertificate = E.New("no fake certificate obtained")
	ErrClientHandshake   = E.New("client TLS handshake failed")
)
