package extraction

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Budget bounds the attempts a campaign may spend. MaxRetries is the total
// number of attempts; fetch and extraction failures draw from it alike.
type Budget struct {
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" json:"max_delay"`
	// Jitter spreads each delay over [d/2, d) when set.
	Jitter bool `mapstructure:"jitter" json:"jitter"`
}

// DefaultBudget mirrors the configuration defaults.
func DefaultBudget() Budget {
	return Budget{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Jitter: true}
}

// Backoff returns the wait before the attempt following attempt n (0-based):
// BaseDelay doubled n times, capped at MaxDelay.
func (b Budget) Backoff(n int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	delay := float64(b.BaseDelay) * math.Pow(2, float64(n))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if !b.Jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Counter hands out strictly increasing retry counts under a budget. It is
// owned by a single campaign and is not safe for concurrent use.
type Counter struct {
	Used int `json:"used"`
	Max  int `json:"max"`
}

// NewCounter creates a counter allowing b.MaxRetries attempts.
func NewCounter(b Budget) *Counter {
	return &Counter{Max: b.MaxRetries}
}

// Next reserves the next attempt and returns its retry count.
func (c *Counter) Next() (int, bool) {
	if c.Exhausted() {
		return 0, false
	}
	n := c.Used
	c.Used++
	return n, true
}

// Remaining is the number of attempts still available.
func (c *Counter) Remaining() int {
	if c.Used >= c.Max {
		return 0
	}
	return c.Max - c.Used
}

// Exhausted reports whether no attempts remain.
func (c *Counter) Exhausted() bool {
	return c.Used >= c.Max
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
