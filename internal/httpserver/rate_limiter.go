// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package httpserver

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by every HTTP client.
type RateLimiter struct {
	limiter       *rate.Limiter
	ratePerSec    float64
	burst         int
	allowedCount  atomic.Int64
	rejectedCount atomic.Int64
}

// NewRateLimiter creates a limiter allowing ratePerSec requests with bursts of
// up to burst. A non-positive rate disables limiting.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = int(ratePerSec * 2)
	}
	return &RateLimiter{
		limiter:    rate.NewLimiter(limit, burst),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Allow reports whether a request may proceed now.
func (l *RateLimiter) Allow() bool {
	if l.limiter.Allow() {
		l.allowedCount.Add(1)
		return true
	}
	l.rejectedCount.Add(1)
	return false
}

// Stats returns the limiter settings and counters.
func (l *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		RatePerSecond: l.ratePerSec,
		Burst:         l.burst,
		AllowedTotal:  l.allowedCount.Load(),
		RejectedTotal: l.rejectedCount.Load(),
	}
}

type RateLimiterStats struct {
	RatePerSecond float64 `json:"ratePerSecond"`
	Burst         int     `json:"burst"`
	AllowedTotal  int64   `json:"allowedTotal"`
	RejectedTotal int64   `json:"rejectedTotal"`
}
