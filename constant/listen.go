package constant

const (
	// DefaultServerAddress is where the generation service listens when no
	// address is configured. One request or response per datagram, no
	// length prefix.
	DefaultServerAddress = "127.0.0.1:2999"

	// ServerAddressEnv overrides the configured server address on both
	// endpoints when set.
	ServerAddressEnv = "FAKECERT_SERVER"

	DefaultReadBufferSize  = 16 * 1024
	DefaultWriteBufferSize = 16 * 1024
)
