package provider

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// UnavailableReason says why a credential entered a cooldown window.
type UnavailableReason string

// UnavailableReason constants.
const (
	ReasonRateLimit     UnavailableReason = "rate_limit"
	ReasonTimeout       UnavailableReason = "timeout"
	ReasonUpstream5xx   UnavailableReason = "upstream_5xx"
	ReasonAuthInvalid   UnavailableReason = "auth_invalid"
	ReasonModelDisallow UnavailableReason = "model_disallow"
	ReasonManual        UnavailableReason = "manual"
	ReasonUnknown       UnavailableReason = "unknown"
)

// TransportErrorKind classifies connection-level failures.
type TransportErrorKind string

// TransportErrorKind constants.
const (
	TransportTimeout TransportErrorKind = "timeout"
	TransportConnect TransportErrorKind = "connect"
	TransportDNS     TransportErrorKind = "dns"
	TransportTLS     TransportErrorKind = "tls"
	TransportRead    TransportErrorKind = "read"
	TransportOther   TransportErrorKind = "other"
)

// Failure describes one failed upstream attempt. Exactly one of Transport
// and HTTP is set.
type Failure struct {
	Transport *TransportFailure
	HTTP      *HTTPFailure
}

// TransportFailure is a failure before any HTTP status arrived.
type TransportFailure struct {
	Kind    TransportErrorKind
	Message string
}

// HTTPFailure is a non-success upstream status.
type HTTPFailure struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func (f *Failure) Status() int {
	if f.HTTP != nil {
		return f.HTTP.Status
	}
	return 0
}

// IsAuth reports whether the failure indicates a rejected credential.
func (f *Failure) IsAuth() bool {
	return f.HTTP != nil && (f.HTTP.Status == http.StatusUnauthorized || f.HTTP.Status == http.StatusForbidden)
}

// IsRetryable reports whether another credential may succeed where this one
// failed.
func (f *Failure) IsRetryable() bool {
	if f.Transport != nil {
		return true
	}
	switch {
	case f.HTTP.Status == http.StatusTooManyRequests:
		return true
	case f.HTTP.Status >= 500:
		return true
	case f.HTTP.Status == http.StatusUnauthorized, f.HTTP.Status == http.StatusForbidden:
		return true
	}
	return false
}

// Cooldown windows applied by DecideUnavailable.
const (
	// RateLimitFallback applies to a 429 without a parseable Retry-After.
	RateLimitFallback = 30 * time.Second
	// ShortCooldown applies to 5xx and transport failures.
	ShortCooldown = 10 * time.Second
	// AuthInvalidCooldown keeps a rejected credential out of rotation until
	// an admin updates or re-enables it.
	AuthInvalidCooldown = 24 * time.Hour * 365 * 100
)

// UnavailableDecision says whether and how to mark a credential after a
// failure. ModelScoped limits the window to the requested model.
type UnavailableDecision struct {
	Mark        bool
	Until       time.Time
	Reason      UnavailableReason
	ModelScoped bool
}

// DecideUnavailable is the default failure classification. Providers may
// shadow it for dialect-specific signals.
func DecideUnavailable(f *Failure, model string, now time.Time) UnavailableDecision {
	if f.Transport != nil {
		return UnavailableDecision{Mark: true, Until: now.Add(ShortCooldown), Reason: ReasonTimeout}
	}
	switch {
	case f.HTTP.Status == http.StatusNotFound:
		return UnavailableDecision{}
	case f.HTTP.Status == http.StatusTooManyRequests:
		wait := RateLimitFallback
		if d, ok := ParseRetryAfter(f.HTTP.Headers); ok {
			wait = d
		}
		return UnavailableDecision{Mark: true, Until: now.Add(wait), Reason: ReasonRateLimit, ModelScoped: model != ""}
	case f.HTTP.Status == http.StatusUnauthorized, f.HTTP.Status == http.StatusForbidden:
		return UnavailableDecision{Mark: true, Until: now.Add(AuthInvalidCooldown), Reason: ReasonAuthInvalid}
	case f.HTTP.Status >= 500:
		return UnavailableDecision{Mark: true, Until: now.Add(ShortCooldown), Reason: ReasonUpstream5xx}
	}
	return UnavailableDecision{}
}

// ParseRetryAfter reads the delay-seconds form of a Retry-After header.
func ParseRetryAfter(h http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// AuthRetryAction is a provider's answer to an auth failure on one attempt.
type AuthRetryAction int

const (
	// AuthRetryNone gives up on this credential.
	AuthRetryNone AuthRetryAction = iota
	// AuthRetrySame repeats the attempt with the same credential.
	AuthRetrySame
	// AuthRetryUpdated repeats the attempt after the credential was refreshed.
	AuthRetryUpdated
)

const (
	backoffBase   = 200 * time.Millisecond
	backoffJitter = 200 * time.Millisecond
	backoffCap    = 2 * time.Second
)

// RetryBackoff returns the pause before the given 1-based attempt number.
func RetryBackoff(attempt int) time.Duration {
	step := attempt - 1
	if step < 0 {
		step = 0
	}
	if step > 6 {
		step = 6
	}
	d := backoffBase << uint(step)
	d += time.Duration(rand.Int63n(int64(backoffJitter)))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
