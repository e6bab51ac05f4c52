package option

import (
	"bytes"

	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/json/badoption"
)

type _Options struct {
	Log      *LogOptions      `json:"log,omitempty"`
	Listen   *ListenOptions   `json:"listen,omitempty"`
	Tenants  []TenantOptions  `json:"tenants,omitempty"`
	Generate *GenerateOptions `json:"generate,omitempty"`
	Control  *ControlOptions  `json:"control,omitempty"`
}

type Options _Options

func (o *Options) UnmarshalJSON(content []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	return decoder.Decode((*_Options)(o))
}

type LogOptions struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Level        string `json:"level,omitempty"`
	Output       string `json:"output,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	DisableColor bool   `json:"-"`
}

// ListenOptions configures the datagram frontend of the generation
// service. The listen address may be overridden by the FAKECERT_SERVER
// environment variable.
type ListenOptions struct {
	Listen          string `json:"listen,omitempty"`
	Tenant          string `json:"tenant,omitempty"`
	ReadBufferSize  int    `json:"read_buffer_size,omitempty"`
	WriteBufferSize int    `json:"write_buffer_size,omitempty"`
	Workers         int    `json:"workers,omitempty"`
}

// TenantOptions declares a tenant and its CA material. Exactly one of
// the PEM pair, the file paths, or the PKCS#12 bundle must be set.
type TenantOptions struct {
	Name              string                     `json:"name"`
	CACertificate     string                     `json:"ca_certificate,omitempty"`
	CAPrivateKey      string                     `json:"ca_private_key,omitempty"`
	CACertificatePath string                     `json:"ca_certificate_path,omitempty"`
	CAPrivateKeyPath  string                     `json:"ca_private_key_path,omitempty"`
	KeyPair           string                     `json:"key_pair_p12,omitempty"`
	KeyPassword       string                     `json:"key_password,omitempty"`
	AllowedHosts      badoption.Listable[string] `json:"allowed_hosts,omitempty"`
	DeniedHosts       badoption.Listable[string] `json:"denied_hosts,omitempty"`
}

// GenerateOptions bounds certificate generation and tenant lifecycle.
type GenerateOptions struct {
	IssuedCertTTL     badoption.Duration `json:"issued_cert_ttl,omitempty"`
	LeafValidity      badoption.Duration `json:"leaf_validity,omitempty"`
	IdleCheckInterval badoption.Duration `json:"idle_check_interval,omitempty"`
	TenantIdleTimeout badoption.Duration `json:"tenant_idle_timeout,omitempty"`
	KeepSerial        bool               `json:"keep_serial,omitempty"`
}

type ControlOptions struct {
	Listen string `json:"listen,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// AgentOptions configures the proxy-embedded certificate agent.
type AgentOptions struct {
	Server             string             `json:"server,omitempty"`
	QueryWaitTimeout   badoption.Duration `json:"query_wait_timeout,omitempty"`
	QueryRetry         int                `json:"query_retry,omitempty"`
	ProtectiveCacheTTL badoption.Duration `json:"protective_cache_ttl,omitempty"`
	MaximumCacheTTL    badoption.Duration `json:"maximum_cache_ttl,omitempty"`
}

// MITMOptions configures the per-connection handshake orchestrator.
type MITMOptions struct {
	UpstreamConnectTimeout   badoption.Duration         `json:"upstream_connect_timeout,omitempty"`
	UpstreamHandshakeTimeout badoption.Duration         `json:"upstream_handshake_timeout,omitempty"`
	ClientHandshakeTimeout   badoption.Duration         `json:"client_handshake_timeout,omitempty"`
	AllowedHosts             badoption.Listable[string] `json:"allowed_hosts,omitempty"`
	DeniedHosts              badoption.Listable[string] `json:"denied_hosts,omitempty"`
	InsecureSkipVerify       bool                       `json:"insecure_skip_verify,omitempty"`
}
