package dispatcher

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
)

// DefaultBackoffWindow is the constant retry delay applied when no policy is
// configured.
const DefaultBackoffWindow = 5 * time.Minute

// BackoffPolicy computes the delay before the next attempt of an entry that
// has failed retryCount times.
type BackoffPolicy interface {
	Delay(retryCount int) time.Duration
}

// ConstantBackoff waits the same window after every failure.
type ConstantBackoff struct {
	Window time.Duration
}

func (b ConstantBackoff) Delay(int) time.Duration {
	if b.Window <= 0 {
		return DefaultBackoffWindow
	}
	return b.Window
}

// ExponentialBackoff waits Base*Factor^(retryCount-1), capped at Max.
type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (b ExponentialBackoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffWindow
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(base) * math.Pow(factor, float64(retryCount-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// BackoffFromConfig selects the policy named by cfg.Strategy.
func BackoffFromConfig(cfg config.BackoffConfig) (BackoffPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", "constant":
		return ConstantBackoff{Window: cfg.Window}, nil
	case "exponential":
		return ExponentialBackoff{Base: cfg.Window, Factor: cfg.Factor, Max: cfg.Max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", cfg.Strategy)
	}
}
