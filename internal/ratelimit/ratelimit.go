package ratelimit

import (
	"sync"
	"time"
)

type RateLimit interface {
	Allow(key string) bool
}

type windowData struct {
	count       int
	windowStart time.Time
}

// FixedWindowLimiter counts requests per key in fixed windows. Old
// windows are pruned opportunistically so the map does not grow without
// bound under churny client addresses.
type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*windowData
	lastPrune   time.Time
	mutex       sync.Mutex
}

func New(maxRequests int, interval time.Duration) RateLimit {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		requests:    make(map[string]*windowData),
		lastPrune:   time.Now(),
	}
}

func (rl *FixedWindowLimiter) Allow(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	rl.maybePrune(now)

	wd := rl.requests[key]
	if wd == nil || now.Sub(wd.windowStart) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}
		rl.requests[key] = &windowData{count: 1, windowStart: now}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++

	return true
}

func (rl *FixedWindowLimiter) maybePrune(now time.Time) {
	if now.Sub(rl.lastPrune) < 10*rl.window {
		return
	}
	for key, wd := range rl.requests {
		if now.Sub(wd.windowStart) > rl.window {
			delete(rl.requests, key)
		}
	}
	rl.lastPrune = now
}
