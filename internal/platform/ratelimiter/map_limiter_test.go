package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()
	key := Key("10.0.0.1", "WSP-AAAA-BBBB-CCCC", "send_message")
	for i := 0; i < 3; i++ {
		if !l.Allow(key, now) {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow(key, now) {
		t.Fatal("request beyond burst allowed")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	l := New(10, 1, time.Minute)
	now := time.Now()
	key := Key("10.0.0.1", "WSP-AAAA-BBBB-CCCC", "send_message")
	if !l.Allow(key, now) {
		t.Fatal("first request denied")
	}
	if l.Allow(key, now) {
		t.Fatal("second immediate request allowed")
	}
	if !l.Allow(key, now.Add(200*time.Millisecond)) {
		t.Fatal("request after refill denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	a := Key("10.0.0.1", "WSP-AAAA-BBBB-CCCC", "send_message")
	b := Key("10.0.0.2", "WSP-AAAA-BBBB-CCCC", "send_message")
	c := Key("10.0.0.1", "WSP-AAAA-BBBB-CCCC", "fetch_pending")
	if !l.Allow(a, now) {
		t.Fatal("key a denied")
	}
	if !l.Allow(b, now) {
		t.Fatal("key b shares a bucket with a")
	}
	if !l.Allow(c, now) {
		t.Fatal("key c shares a bucket with a")
	}
	if l.Allow(a, now) {
		t.Fatal("key a refilled instantly")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("any", time.Now()) {
		t.Fatal("nil limiter denied a request")
	}
	if New(0, 5, time.Minute) != nil {
		t.Fatal("invalid rps produced a limiter")
	}
}

func TestRetryAfterPositiveWhenExhausted(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	key := Key("10.0.0.1", "WSP-AAAA-BBBB-CCCC", "backup")
	if !l.Allow(key, now) {
		t.Fatal("first request denied")
	}
	if l.Allow(key, now) {
		t.Fatal("bucket not exhausted")
	}
	if delay := l.RetryAfter(key, now); delay <= 0 {
		t.Fatalf("expected positive retry delay, got %v", delay)
	}
}
