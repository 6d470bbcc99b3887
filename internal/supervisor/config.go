package supervisor

import (
	"time"

	"github.com/jkaninda/kaliagents/internal/domain"
)

// Config tunes retries, re-planning and default budgets. Zero values use
// the defaults noted per field.
type Config struct {
	MaxAttempts     int           // Per task. Default: 3.
	BackoffBase     time.Duration // Default: 500ms.
	MaxBackoff      time.Duration // Default: 30s.
	Jitter          bool          // Randomize each backoff in [d/2, d).
	ReplanThreshold float64       // Default: 0.7.
	MaxDepth        int           // Maximum follow-up depth. Default: 2.
	DefaultBudget   domain.Budget // Applied to requests without a task budget.
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c Config) backoffBase() time.Duration {
	if c.BackoffBase > 0 {
		return c.BackoffBase
	}
	return 500 * time.Millisecond
}

func (c Config) maxBackoff() time.Duration {
	if c.MaxBackoff > 0 {
		return c.MaxBackoff
	}
	return 30 * time.Second
}

func (c Config) replanThreshold() float64 {
	if c.ReplanThreshold > 0 {
		return c.ReplanThreshold
	}
	return 0.7
}

func (c Config) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return 2
}

// Backoff returns the delay before the retry following attempt n (n >= 1):
// min(MaxBackoff, BackoffBase * 2^(n-1)), without jitter.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.backoffBase()
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.maxBackoff() {
			return c.maxBackoff()
		}
	}
	return min(d, c.maxBackoff())
}
