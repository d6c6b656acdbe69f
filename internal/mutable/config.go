package mutable

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/sharegrid/internal/codec"
)

// Defaults.
const (
	DefaultRequiredShares = 3
	DefaultTotalShares    = 10
	DefaultMaxInFlight    = 5
	DefaultReadSize       = 2000
	DefaultCheckReadSize  = 1000
	DefaultQueryTimeout   = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	// DefaultMaxFileSize bounds the single segment a mutable file is stored in.
	DefaultMaxFileSize = 3500000
	// minReadSize covers the header, an ed25519 key and its signature.
	minReadSize = HeaderLen + 32 + 64
)

// Config holds configuration for mutable file operations.
type Config struct {
	RequiredShares int // k for newly created files
	TotalShares    int // N for newly created files
	// Epsilon is the number of extra peers probed beyond k (or N in write
	// mode) and the run of empty peers that ends a write-mode scan. 0 means k.
	Epsilon      int
	MaxInFlight  int
	ReadSize     int
	QueryTimeout time.Duration
	WriteTimeout time.Duration
	MaxFileSize  int
	Logger       zerolog.Logger
	Metrics      *Metrics
	VerifyCache  *VerifyCache
}

func (c Config) withDefaults() Config {
	if c.RequiredShares <= 0 {
		c.RequiredShares = DefaultRequiredShares
	}
	if c.TotalShares <= 0 {
		c.TotalShares = DefaultTotalShares
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.ReadSize < minReadSize {
		c.ReadSize = DefaultReadSize
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	return c
}

// checkEncoding rejects k-of-N parameters a share prefix cannot carry.
func checkEncoding(k, n int) error {
	if k < 1 || n < k || n > codec.MaxShares {
		return fmt.Errorf("%w: need 1 <= k <= N <= %d, got k=%d N=%d", ErrInvalidEncoding, codec.MaxShares, k, n)
	}
	return nil
}

// epsilon resolves the configured epsilon for a file with k required shares.
func (c Config) epsilon(k int) int {
	if c.Epsilon > 0 {
		return c.Epsilon
	}
	return k
}
