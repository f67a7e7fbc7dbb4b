package health

import (
	"testing"
	"time"

	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

func TestMarkCredentialWide(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Mark(1, "gpt-4o", provider.UnavailableDecision{
		Mark:   true,
		Until:  now.Add(10 * time.Second),
		Reason: provider.ReasonUpstream5xx,
	})

	blocked, until, reason := r.Blocked(1, "gpt-4o", now)
	if !blocked {
		t.Fatalf("expected credential blocked")
	}
	if reason != provider.ReasonUpstream5xx {
		t.Fatalf("reason = %q, want upstream_5xx", reason)
	}
	if !until.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("until = %v, want +10s", until)
	}

	// Other models are blocked too: the window is credential-wide.
	if blocked, _, _ := r.Blocked(1, "other-model", now); !blocked {
		t.Fatalf("expected other models blocked by credential-wide cooldown")
	}

	// Window expires.
	if blocked, _, _ := r.Blocked(1, "gpt-4o", now.Add(11*time.Second)); blocked {
		t.Fatalf("expected block lifted after expiry")
	}
}

func TestMarkModelScoped(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Mark(7, "claude-sonnet-4-5", provider.UnavailableDecision{
		Mark:        true,
		Until:       now.Add(30 * time.Second),
		Reason:      provider.ReasonRateLimit,
		ModelScoped: true,
	})

	if blocked, _, _ := r.Blocked(7, "claude-sonnet-4-5", now); !blocked {
		t.Fatalf("expected scoped model blocked")
	}
	if blocked, _, _ := r.Blocked(7, "claude-haiku-4-5", now); blocked {
		t.Fatalf("expected other model unaffected by model-scoped window")
	}
	if blocked, _, _ := r.Blocked(7, "", now); blocked {
		t.Fatalf("expected model-less check unaffected by model-scoped window")
	}
}

func TestSummarize(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	if got := r.Summarize(1, false, now); got != SummaryDisabled {
		t.Fatalf("disabled credential summary = %q", got)
	}
	if got := r.Summarize(1, true, now); got != SummaryActive {
		t.Fatalf("untouched credential summary = %q", got)
	}

	r.Mark(1, "m", provider.UnavailableDecision{
		Mark: true, Until: now.Add(time.Minute), Reason: provider.ReasonRateLimit, ModelScoped: true,
	})
	if got := r.Summarize(1, true, now); got != SummaryPartialUnavailable {
		t.Fatalf("model-window summary = %q, want partial_unavailable", got)
	}

	r.Mark(1, "", provider.UnavailableDecision{
		Mark: true, Until: now.Add(time.Hour), Reason: provider.ReasonAuthInvalid,
	})
	if got := r.Summarize(1, true, now); got != SummaryFullyUnavailable {
		t.Fatalf("cooldown summary = %q, want fully_unavailable", got)
	}

	// Expired windows fall back to active without a sweep.
	if got := r.Summarize(1, true, now.Add(2*time.Hour)); got != SummaryActive {
		t.Fatalf("expired summary = %q, want active", got)
	}
}

func TestMarkKeepsLaterCooldown(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Mark(3, "", provider.UnavailableDecision{
		Mark: true, Until: now.Add(time.Hour), Reason: provider.ReasonAuthInvalid,
	})
	// A shorter window must not shrink the running one.
	r.Mark(3, "", provider.UnavailableDecision{
		Mark: true, Until: now.Add(10 * time.Second), Reason: provider.ReasonUpstream5xx,
	})

	_, until, reason := r.Blocked(3, "", now)
	if !until.Equal(now.Add(time.Hour)) {
		t.Fatalf("until = %v, want the longer window kept", until)
	}
	if reason != provider.ReasonAuthInvalid {
		t.Fatalf("reason = %q, want auth_invalid", reason)
	}
}

func TestClear(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Mark(9, "", provider.UnavailableDecision{
		Mark: true, Until: now.Add(time.Hour), Reason: provider.ReasonAuthInvalid,
	})
	r.Clear(9)
	if blocked, _, _ := r.Blocked(9, "", now); blocked {
		t.Fatalf("expected clear to lift the block")
	}
}

func TestSweepReapsExpired(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Mark(4, "m1", provider.UnavailableDecision{
		Mark: true, Until: now.Add(time.Second), Reason: provider.ReasonRateLimit, ModelScoped: true,
	})
	r.Mark(4, "m2", provider.UnavailableDecision{
		Mark: true, Until: now.Add(time.Hour), Reason: provider.ReasonRateLimit, ModelScoped: true,
	})

	r.Sweep(now.Add(time.Minute))

	cooldown, windows := r.Windows(4, now.Add(time.Minute))
	if cooldown != nil {
		t.Fatalf("unexpected cooldown window: %+v", cooldown)
	}
	if len(windows) != 1 || windows[0].Model != "m2" {
		t.Fatalf("windows = %+v, want only m2", windows)
	}

	// Fully expired credentials disappear.
	r.Sweep(now.Add(2 * time.Hour))
	if _, windows := r.Windows(4, now.Add(2*time.Hour)); windows != nil {
		t.Fatalf("expected no windows after full sweep, got %+v", windows)
	}
}
