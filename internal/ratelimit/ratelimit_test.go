package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_UnderLimit(t *testing.T) {
	rl := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	rl := New(2, time.Minute)

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")

	if rl.Allow("10.0.0.1") {
		t.Error("Third request should be rejected")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	rl := New(1, time.Minute)

	if !rl.Allow("10.0.0.1") {
		t.Error("First key should be allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("Second key should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("First key should now be limited")
	}
}

func TestAllow_WindowReset(t *testing.T) {
	rl := New(1, 10*time.Millisecond)

	if !rl.Allow("10.0.0.1") {
		t.Error("First request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Second request inside window should be rejected")
	}

	time.Sleep(15 * time.Millisecond)

	if !rl.Allow("10.0.0.1") {
		t.Error("Request after window should be allowed")
	}
}

func TestAllow_ZeroLimit(t *testing.T) {
	rl := New(0, time.Minute)

	if rl.Allow("10.0.0.1") {
		t.Error("Zero limit should reject everything")
	}
}
