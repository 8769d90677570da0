package compliance

import (
	"context"
	"strings"
	"sync"

	"github.com/JakeFAU/signup-sentinel/internal/policy/ratelimit"
)

// Policy is the compliance configuration in force for one check. It is
// passed explicitly so the gate never consults process-wide state.
type Policy struct {
	PublicDataMode   bool                       `mapstructure:"public_data_mode" json:"public_data_mode"`
	PublicAllowList  []string                   `mapstructure:"public_allow_list" json:"public_allow_list"`
	DeniedHosts      []string                   `mapstructure:"denied_hosts" json:"denied_hosts"`
	DefaultRateLimit ratelimit.Limit            `mapstructure:"default_rate_limit" json:"default_rate_limit"`
	RateLimits       map[string]ratelimit.Limit `mapstructure:"rate_limits" json:"rate_limits"`
	UserAgent        string                     `mapstructure:"user_agent" json:"user_agent"`
}

// LimitFor returns the per-host override or the default limit.
func (p Policy) LimitFor(host string) ratelimit.Limit {
	host = strings.ToLower(host)
	if limit, ok := p.RateLimits[host]; ok {
		return limit
	}
	return p.DefaultRateLimit
}

// Source supplies the current policy.
type Source interface {
	Current(ctx context.Context) (Policy, error)
}

// StaticSource serves a policy that can be swapped at runtime.
type StaticSource struct {
	mu     sync.RWMutex
	policy Policy
}

// NewStaticSource wraps policy.
func NewStaticSource(policy Policy) *StaticSource {
	return &StaticSource{policy: policy}
}

// Current returns the policy in force.
func (s *StaticSource) Current(context.Context) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy, nil
}

// Set replaces the policy.
func (s *StaticSource) Set(policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
}
