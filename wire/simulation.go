package wire

import (
	"math/rand"
	"sync"
	"time"
)

// RadioConfig controls how radio-like the socket links behave
type RadioConfig struct {
	// Connection establishment delay
	MinConnectionDelay time.Duration // Default: 30ms
	MaxConnectionDelay time.Duration // Default: 100ms
	// ConnectionFailureRate is the share of connects reported as unreachable
	ConnectionFailureRate float64 // Default: 0.016

	// Radio characteristics
	BaseRSSI     int // Default: -50 dBm (close range)
	RSSIVariance int // Default: 10 dBm

	// Deterministic mode for testing
	Deterministic bool
	Seed          int64
}

// DefaultRadioConfig returns realistic timing and an occasional failed connect
func DefaultRadioConfig() *RadioConfig {
	return &RadioConfig{
		MinConnectionDelay:    30 * time.Millisecond,
		MaxConnectionDelay:    100 * time.Millisecond,
		ConnectionFailureRate: 0.016,
		BaseRSSI:              -50,
		RSSIVariance:          10,
	}
}

// PerfectRadioConfig returns a 100% reliable, zero-delay config for testing
func PerfectRadioConfig() *RadioConfig {
	cfg := DefaultRadioConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.RSSIVariance = 0
	cfg.Deterministic = true
	return cfg
}

// radio draws delays, failures and RSSI values from a RadioConfig
type radio struct {
	config *RadioConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

func newRadio(config *RadioConfig) *radio {
	if config == nil {
		config = PerfectRadioConfig()
	}

	seed := time.Now().UnixNano()
	if config.Deterministic {
		seed = config.Seed
	}
	return &radio{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// connectionSucceeds returns false for a simulated failed connect
func (r *radio) connectionSucceeds() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() >= r.config.ConnectionFailureRate
}

// connectionDelay returns a delay between the configured bounds
func (r *radio) connectionDelay() time.Duration {
	min, max := r.config.MinConnectionDelay, r.config.MaxConnectionDelay
	if min >= max {
		return min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return min + time.Duration(r.rng.Int63n(int64(max-min)))
}

// rssi returns the base RSSI with random variance, clamped to a sane range
func (r *radio) rssi() int {
	v := r.config.BaseRSSI
	if r.config.RSSIVariance > 0 {
		r.mu.Lock()
		v += r.rng.Intn(2*r.config.RSSIVariance+1) - r.config.RSSIVariance
		r.mu.Unlock()
	}
	if v > -20 {
		v = -20
	}
	if v < -100 {
		v = -100
	}
	return v
}
