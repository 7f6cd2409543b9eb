package logger

import (
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("wallet_monitor")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "wallet_monitor" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestCountersAccumulate(t *testing.T) {
	beforeTicks := atomic.LoadInt64(&pollTicks)
	beforeErrs := atomic.LoadInt64(&pollErrors)

	IncrementPollTick(128)
	IncrementPollTick(64)
	IncrementPollError()

	if got := atomic.LoadInt64(&pollTicks) - beforeTicks; got != 2 {
		t.Fatalf("poll ticks delta = %d, want 2", got)
	}
	if got := atomic.LoadInt64(&pollErrors) - beforeErrs; got != 1 {
		t.Fatalf("poll errors delta = %d, want 1", got)
	}
}

func TestRecordStreamMessage(t *testing.T) {
	RecordStreamMessage("wallet-updated", 256)
	RecordStreamMessage("wallet-updated", 256)

	v, ok := streams.Load("wallet-updated")
	if !ok {
		t.Fatalf("stream counter missing")
	}
	s := v.(*streamStat)
	if atomic.LoadInt64(&s.messages) < 2 {
		t.Fatalf("stream messages = %d, want at least 2", s.messages)
	}
	if atomic.LoadInt64(&s.bytes) < 512 {
		t.Fatalf("stream bytes = %d, want at least 512", s.bytes)
	}
}
