// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package backoff computes capped exponential delays with full jitter.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy describes a retry schedule. The zero value retries immediately and forever.
type Policy struct {
	// Base is the ceiling of the first delay.
	Base time.Duration `yaml:"base"`
	// Max caps the ceiling regardless of attempt.
	Max time.Duration `yaml:"max"`
	// MaxAttempts bounds the number of attempts; 0 means unbounded.
	MaxAttempts int `yaml:"max_attempts"`

	// Jitter returns a value in [0, n]. Defaults to a uniform draw.
	Jitter func(n int64) int64 `yaml:"-"`
}

// Ceiling returns min(Max, Base·2^attempt) without overflowing.
func (p Policy) Ceiling(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}

	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = p.Base
	}

	delay := p.Base
	for range attempt {
		if delay >= ceiling>>1 {
			return ceiling
		}

		delay <<= 1
	}

	return min(delay, ceiling)
}

// Delay returns the full-jitter delay before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	ceiling := p.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}

	if p.Jitter != nil {
		return time.Duration(p.Jitter(int64(ceiling)))
	}

	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// Exhausted reports whether attempts has reached the bound.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// NoJitter always picks the ceiling. Useful for deterministic tests.
func NoJitter(n int64) int64 { return n }
