package retry

import (
	"math"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
)

// Backoff defines the delay inserted between attempts.
type Backoff struct {
	Strategy Strategy      `yaml:"strategy"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"` // 0 = uncapped
}

// DefaultBackoff mirrors the provider defaults: 1s, 2s, 4s ... capped at 30s.
var DefaultBackoff = Backoff{
	Strategy: StrategyExponential,
	Delay:    1 * time.Second,
	MaxDelay: 30 * time.Second,
}

// Delay returns the wait after the given 1-based attempt.
//
//	exponential: Delay * 2^(attempt-1)
//	linear:      Delay * attempt
//
// A nil config yields 0.
func Delay(b *Backoff, attempt int) time.Duration {
	if b == nil || b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch b.Strategy {
	case StrategyLinear:
		delay = float64(b.Delay) * float64(attempt)
	default:
		delay = float64(b.Delay) * math.Pow(2, float64(attempt-1))
	}

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
