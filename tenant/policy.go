package tenant

import (
	"strings"
)

// HostnamePolicy decides whether a tenant is willing to mint certificates
// for a hostname. An empty allow list is permissive; deny rules are
// checked first. Patterns are exact hostnames, "*.example.com" wildcards
// matching a single label, or ".example.com" suffixes matching any depth.
type HostnamePolicy struct {
	allowed []string
	denied  []string
}

func NewHostnamePolicy(allowed []string, denied []string) *HostnamePolicy {
	policy := &HostnamePolicy{}
	for _, pattern := range allowed {
		policy.allowed = append(policy.allowed, strings.ToLower(pattern))
	}
	for _, pattern := range denied {
		policy.denied = append(policy.denied, strings.ToLower(pattern))
	}
	return policy
}

func (p *HostnamePolicy) Match(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, pattern := range p.denied {
		if matchHostPattern(pattern, host) {
			return false
		}
	}
	if len(p.allowed) == 0 {
		return true
	}
	for _, pattern := range p.allowed {
		if matchHostPattern(pattern, host) {
			return true
		}
	}
	return false
}

func matchHostPattern(pattern string, host string) bool {
	switch {
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:]
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		// one label only, like a wildcard certificate
		return !strings.Contains(host[:len(host)-len(suffix)], ".")
	case strings.HasPrefix(pattern, "."):
		return strings.HasSuffix(host, pattern) || host == pattern[1:]
	default:
		return host == pattern
	}
}
