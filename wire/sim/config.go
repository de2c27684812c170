// Package sim is an in-memory Bluetooth controller pair. Two Devices joined
// by a Link each implement the BR/EDR channel service, the LE fixed channel
// and the security service, so two ATT engines can talk without hardware.
package sim

import (
	"math/rand"
	"sync"
	"time"
)

// Config controls how faithful the simulated radio is
type Config struct {
	// One-way delivery latency (in milliseconds)
	MinLatency int // Default: 2ms
	MaxLatency int // Default: 10ms

	// Link establishment
	ConnectionFailureRate float64 // Default: 0 (LE connects always succeed)

	// Packet loss and reliability. A lost frame is retried by the simulated
	// controller; one that fails every retry never arrives.
	PacketLossRate float64 // Default: 0.01
	MaxRetries     int     // Default: 3
	RetryDelay     int     // Default: 5ms between retries

	// ATT opcodes that are always dropped, to provoke transaction timeouts
	DropOpcodes []uint8

	// Deterministic mode for testing
	Deterministic bool  // Default: false (use for reproducible scenarios)
	Seed          int64 // Random seed when Deterministic=true
}

// DefaultConfig returns a lossy, jittery radio
func DefaultConfig() *Config {
	return &Config{
		MinLatency: 2,
		MaxLatency: 10,

		ConnectionFailureRate: 0,

		PacketLossRate: 0.01,
		MaxRetries:     3,
		RetryDelay:     5,

		Deterministic: false,
		Seed:          0,
	}
}

// PerfectConfig returns a lossless, zero latency radio for tests
func PerfectConfig() *Config {
	cfg := DefaultConfig()
	cfg.MinLatency = 0
	cfg.MaxLatency = 0
	cfg.PacketLossRate = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator draws the random outcomes a Config describes. It is shared by
// both Devices of a Link.
type Simulator struct {
	config *Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator; nil selects DefaultConfig
func NewSimulator(config *Config) *Simulator {
	if config == nil {
		config = DefaultConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

// Config returns the configuration in use
func (s *Simulator) Config() *Config {
	return s.config
}

// ShouldConnectionSucceed returns true if an LE connect should succeed
func (s *Simulator) ShouldConnectionSucceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() >= s.config.ConnectionFailureRate
}

// Latency returns the delivery delay of one frame
func (s *Simulator) Latency() time.Duration {
	if s.config.MinLatency >= s.config.MaxLatency {
		return time.Duration(s.config.MinLatency) * time.Millisecond
	}
	s.mu.Lock()
	delay := s.config.MinLatency + s.rng.Intn(s.config.MaxLatency-s.config.MinLatency)
	s.mu.Unlock()
	return time.Duration(delay) * time.Millisecond
}

// Transmit decides the fate of one ATT PDU. It returns the extra delay spent
// on retries and whether the PDU arrives at all.
func (s *Simulator) Transmit(pdu []byte) (time.Duration, bool) {
	if len(pdu) > 0 {
		for _, op := range s.config.DropOpcodes {
			if pdu[0] == op {
				return 0, false
			}
		}
	}
	if s.config.PacketLossRate <= 0 {
		return 0, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var spent time.Duration
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if s.rng.Float64() >= s.config.PacketLossRate {
			return spent, true
		}
		spent += time.Duration(s.config.RetryDelay) * time.Millisecond
	}
	return spent, false
}
