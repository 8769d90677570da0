// Package compliance decides whether a fetch may be made right now.
package compliance

import (
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/policy/ratelimit"
)

// Reason explains a gate decision.
type Reason string

// Gate reasons. The first failing check wins.
const (
	ReasonAllowed           Reason = "allowed"
	ReasonInvalidURL        Reason = "invalid-url"
	ReasonHostDenied        Reason = "host-denied"
	ReasonPublicModeBlock   Reason = "public-mode-block"
	ReasonRobotsUnavailable Reason = "robots-unavailable"
	ReasonRobotsDisallow    Reason = "robots-disallow"
	ReasonRateLimited       Reason = "rate-limited"
	ReasonPolicyError       Reason = "policy-error"
)

// Decision is the gate verdict for one URL.
type Decision struct {
	Allowed       bool
	Reason        Reason
	Host          string
	RobotsAllowed bool
	RateLimited   bool
}

// RobotsChecker answers robots questions from cached directives only.
type RobotsChecker interface {
	Test(host, path, userAgent string) (allowed bool, known bool)
}

// Limiter is the shared per-host request table.
type Limiter interface {
	TryAcquire(host string, limit ratelimit.Limit) bool
}

// Gate evaluates compliance policy without performing network I/O.
type Gate struct {
	robots  RobotsChecker
	limiter Limiter
	logger  *zap.Logger
}

// NewGate wires a Gate.
func NewGate(robots RobotsChecker, limiter Limiter, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{robots: robots, limiter: limiter, logger: logger.Named("compliance")}
}

// CheckAllowed evaluates policy for rawURL. Anything ambiguous is denied.
// An allowed decision consumes one request from the host's rate limit.
func (g *Gate) CheckAllowed(rawURL string, policy Policy) Decision {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Hostname() == "" {
		return Decision{Reason: ReasonInvalidURL}
	}
	host := strings.ToLower(parsed.Hostname())
	decision := Decision{Host: host}

	if newHostPatterns(policy.DeniedHosts).Match(host) {
		return g.deny(decision, ReasonHostDenied)
	}
	if policy.PublicDataMode && !newHostPatterns(policy.PublicAllowList).Match(host) {
		return g.deny(decision, ReasonPublicModeBlock)
	}

	if g.robots == nil {
		return g.deny(decision, ReasonRobotsUnavailable)
	}
	allowed, known := g.robots.Test(parsed.Host, parsed.EscapedPath(), policy.UserAgent)
	if !known {
		return g.deny(decision, ReasonRobotsUnavailable)
	}
	if !allowed {
		return g.deny(decision, ReasonRobotsDisallow)
	}
	decision.RobotsAllowed = true

	if g.limiter == nil {
		return g.deny(decision, ReasonPolicyError)
	}
	if !g.limiter.TryAcquire(host, policy.LimitFor(host)) {
		decision.RateLimited = true
		return g.deny(decision, ReasonRateLimited)
	}

	decision.Allowed = true
	decision.Reason = ReasonAllowed
	return decision
}

func (g *Gate) deny(decision Decision, reason Reason) Decision {
	decision.Allowed = false
	decision.Reason = reason
	g.logger.Debug("fetch denied", zap.String("host", decision.Host), zap.String("reason", string(reason)))
	return decision
}
