package wsbridge

import (
	"math/rand"
	"time"
)

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type Config struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DialAttempts     int
	Backoff          BackoffConfig
	// Coalesce writes each outbound batch as one message instead of one
	// message per fragment.
	Coalesce bool
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      120 * time.Second,
		WriteTimeout:     15 * time.Second,
		DialAttempts:     5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// NextBackoffDelay returns how long Dial waits after failed attempt N
// (1-based). The delay starts at InitialDelay, grows by Multiplier per attempt
// and stops growing at MaxDelay. Jitter scales the result into [0.5, 1.5) of
// that value; without an rng the unscaled value is used.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	growth := max(cfg.Multiplier, 1)
	delay := float64(cfg.InitialDelay)
	for n := 1; n < attempt; n++ {
		delay *= growth
		if cfg.MaxDelay > 0 && delay >= float64(cfg.MaxDelay) {
			break
		}
	}
	if cfg.MaxDelay > 0 {
		delay = min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}
