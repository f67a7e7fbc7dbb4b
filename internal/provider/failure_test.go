package provider

import (
	"net/http"
	"testing"
	"time"
)

func httpFailure(status int, headers http.Header) *Failure {
	if headers == nil {
		headers = http.Header{}
	}
	return &Failure{HTTP: &HTTPFailure{Status: status, Headers: headers}}
}

func TestDecideUnavailable_RateLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)

	h := http.Header{}
	h.Set("Retry-After", "60")
	d := DecideUnavailable(httpFailure(429, h), "gpt-4o", now)
	if !d.Mark || d.Reason != ReasonRateLimit {
		t.Fatalf("expected rate limit mark, got %+v", d)
	}
	if !d.ModelScoped {
		t.Fatalf("429 with a model should scope to the model")
	}
	if got := d.Until.Sub(now); got != 60*time.Second {
		t.Fatalf("expected 60s window, got %v", got)
	}

	d = DecideUnavailable(httpFailure(429, nil), "", now)
	if d.ModelScoped {
		t.Fatalf("429 without a model should scope to the credential")
	}
	if got := d.Until.Sub(now); got != RateLimitFallback {
		t.Fatalf("expected fallback window, got %v", got)
	}
}

func TestDecideUnavailable_AuthAndServer(t *testing.T) {
	now := time.Unix(1700000000, 0)

	for _, status := range []int{401, 403} {
		d := DecideUnavailable(httpFailure(status, nil), "m", now)
		if !d.Mark || d.Reason != ReasonAuthInvalid || d.ModelScoped {
			t.Fatalf("status %d: got %+v", status, d)
		}
		if d.Until.Before(now.Add(24 * time.Hour)) {
			t.Fatalf("status %d: auth window should be effectively permanent", status)
		}
	}

	d := DecideUnavailable(httpFailure(503, nil), "m", now)
	if !d.Mark || d.Reason != ReasonUpstream5xx || d.Until.Sub(now) != ShortCooldown {
		t.Fatalf("5xx: got %+v", d)
	}

	d = DecideUnavailable(&Failure{Transport: &TransportFailure{Kind: TransportTimeout}}, "m", now)
	if !d.Mark || d.Reason != ReasonTimeout || d.Until.Sub(now) != ShortCooldown {
		t.Fatalf("transport: got %+v", d)
	}

	if d := DecideUnavailable(httpFailure(404, nil), "m", now); d.Mark {
		t.Fatalf("404 must not mark the credential")
	}
	if d := DecideUnavailable(httpFailure(400, nil), "m", now); d.Mark {
		t.Fatalf("400 must not mark the credential")
	}
}

func TestFailureRetryability(t *testing.T) {
	if !(&Failure{Transport: &TransportFailure{Kind: TransportConnect}}).IsRetryable() {
		t.Fatalf("transport failures are retryable")
	}
	for _, status := range []int{429, 500, 502, 401, 403} {
		if !httpFailure(status, nil).IsRetryable() {
			t.Fatalf("status %d should be retryable", status)
		}
	}
	for _, status := range []int{400, 404, 409, 422} {
		if httpFailure(status, nil).IsRetryable() {
			t.Fatalf("status %d should be terminal", status)
		}
	}
	if !httpFailure(401, nil).IsAuth() || !httpFailure(403, nil).IsAuth() {
		t.Fatalf("401/403 are auth failures")
	}
	if httpFailure(429, nil).IsAuth() {
		t.Fatalf("429 is not an auth failure")
	}
}

func TestRetryBackoff(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := RetryBackoff(attempt)
		if d < backoffBase {
			t.Fatalf("attempt %d: backoff %v under base", attempt, d)
		}
		if d > backoffCap {
			t.Fatalf("attempt %d: backoff %v over cap", attempt, d)
		}
	}
	if d := RetryBackoff(1); d >= backoffBase+backoffJitter {
		t.Fatalf("first attempt should stay near base, got %v", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "1.5")
	if d, ok := ParseRetryAfter(h); !ok || d != 1500*time.Millisecond {
		t.Fatalf("got %v %v", d, ok)
	}
	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	if _, ok := ParseRetryAfter(h); ok {
		t.Fatalf("date form is not supported and must be ignored")
	}
	h.Del("Retry-After")
	if _, ok := ParseRetryAfter(h); ok {
		t.Fatalf("missing header")
	}
}
