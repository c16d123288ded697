package provider

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hoistup/hoist/internal/core"
)

// ParseSignals extracts the canonical rate-limit values from response
// headers. Unparseable values are ignored.
func ParseSignals(h http.Header, now time.Time) core.Signals {
	var sig core.Signals
	if h == nil {
		return sig
	}

	if v, ok := headerInt(h, "X-RateLimit-Limit"); ok {
		sig.Limit = v
		sig.HasLimit = true
	}
	if v, ok := headerInt(h, "X-RateLimit-Remaining"); ok {
		if v < 0 {
			v = 0
		}
		sig.Remaining = v
		sig.HasRemaining = true
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			sig.Reset = time.Unix(secs, 0).UTC()
		} else if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			whole := int64(secs)
			sig.Reset = time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))).UTC()
		} else if parsed, err := http.ParseTime(v); err == nil {
			sig.Reset = parsed.UTC()
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset-After")); v != "" {
		sig.ResetAfter = seconds(v)
	}
	sig.RetryAfter = retryAfter(h, now)
	sig.Bucket = strings.TrimSpace(h.Get("X-RateLimit-Bucket"))
	if v := strings.TrimSpace(h.Get("X-RateLimit-Global")); v != "" {
		sig.Global, _ = strconv.ParseBool(v)
	}
	return sig
}

func retryAfter(h http.Header, now time.Time) time.Duration {
	retry := strings.TrimSpace(h.Get("Retry-After"))
	if retry == "" {
		return 0
	}
	if d := seconds(retry); d > 0 {
		return d
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := parsed.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

func seconds(v string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func headerInt(h http.Header, name string) (int, bool) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, false
		}
		n = int(f)
	}
	return n, true
}
