package constant

import "time"

const (
	DefaultQueryWaitTimeout         = 4 * time.Second
	DefaultQueryRetry               = 2
	DefaultUpstreamConnectTimeout   = 10 * time.Second
	DefaultUpstreamHandshakeTimeout = 10 * time.Second
	DefaultClientHandshakeTimeout   = 10 * time.Second
)

const (
	DefaultProtectiveCacheTTL = 10 * time.Second
	DefaultMaximumCacheTTL    = 6 * time.Hour
	DefaultIssuedCertTTL      = 10 * time.Minute
	DefaultIdleCheckInterval  = time.Minute
	DefaultTenantIdleTimeout  = 30 * time.Minute
	DefaultLeafValidity       = 24 * time.Hour
)
