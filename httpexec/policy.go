package httpexec

import (
	"maps"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/roadrunner-server/harness/testerr"
)

// RetryPolicy decides which failures are retried and how long to wait.
type RetryPolicy struct {
	// Attempts is the total number of tries, 1 means no retry.
	Attempts int
	// BaseDelay is multiplied by 2^attempt and jittered by up to BaseDelay.
	BaseDelay time.Duration
	// RetryableStatusCodes are response statuses worth another try.
	RetryableStatusCodes []int
	// RetryableTransportCodes are socket-level codes (ECONNRESET, ...) worth another try.
	RetryableTransportCodes []string
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
		RetryableStatusCodes: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		RetryableTransportCodes: []string{
			testerr.CodeConnReset,
			testerr.CodeConnRefused,
			testerr.CodeNotFound,
			testerr.CodeDNSAgain,
			testerr.CodeConnAborted,
			testerr.CodeTimedOut,
		},
	}
}

// Backoff returns BaseDelay*2^attempt plus a uniform jitter in [0, BaseDelay).
// attempt is zero-indexed from the first retry. Delays too large for a
// time.Duration saturate at math.MaxInt64.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	attempt = max(attempt, 0)
	if attempt > 62 || p.BaseDelay > math.MaxInt64>>attempt {
		return math.MaxInt64
	}

	d := p.BaseDelay << attempt
	jitter := rand.N(p.BaseDelay)
	if d > math.MaxInt64-jitter {
		return math.MaxInt64
	}

	return d + jitter
}

func (p RetryPolicy) retryableStatus(code int) bool {
	return slices.Contains(p.RetryableStatusCodes, code)
}

func (p RetryPolicy) retryableTransport(code string) bool {
	return code != "" && slices.Contains(p.RetryableTransportCodes, code)
}

func (p RetryPolicy) validate() error {
	if p.Attempts < 1 {
		return testerr.ValidationError("retry attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return testerr.ValidationError("retry base delay must not be negative")
	}
	return nil
}

// RequestContext is the fixed part of every request issued by one Executor.
type RequestContext struct {
	BaseURL        string
	DefaultHeaders map[string]string
	Timeout        time.Duration
	RetryPolicy    RetryPolicy
	// RateLimit caps requests per second, 0 disables limiting.
	RateLimit float64
	RateBurst int
}

func (rc RequestContext) clone() RequestContext {
	cp := rc
	cp.DefaultHeaders = maps.Clone(rc.DefaultHeaders)
	cp.RetryPolicy.RetryableStatusCodes = slices.Clone(rc.RetryPolicy.RetryableStatusCodes)
	cp.RetryPolicy.RetryableTransportCodes = slices.Clone(rc.RetryPolicy.RetryableTransportCodes)
	return cp
}

func (rc RequestContext) validate() error {
	u, err := url.Parse(rc.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return testerr.ValidationError("base URL must be an absolute http(s) URL, got: " + rc.BaseURL)
	}

	if rc.Timeout <= 0 {
		return testerr.ValidationError("request timeout must be positive")
	}

	if rc.RateLimit < 0 {
		return testerr.ValidationError("rate limit must not be negative")
	}

	return rc.RetryPolicy.validate()
}

func (rc RequestContext) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}

	if path == "" {
		return rc.BaseURL
	}

	return strings.TrimRight(rc.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
