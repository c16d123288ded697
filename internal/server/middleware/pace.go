package middleware

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// Rejecter writes the response for a request refused by Pace. The
// Retry-After header is already set.
type Rejecter func(w http.ResponseWriter, r *http.Request, retryAfterSeconds int)

// Pace rejects requests beyond limiter's rate with a Retry-After hint and
// hands the response to reject. A nil limiter disables pacing; a nil reject
// writes a bare 429.
func Pace(limiter *rate.Limiter, reject Rejecter) func(http.Handler) http.Handler {
	if reject == nil {
		reject = func(w http.ResponseWriter, _ *http.Request, _ int) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reservation := limiter.Reserve()
			if !reservation.OK() {
				refuse(w, r, 1, reject)
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				refuse(w, r, int(math.Ceil(delay.Seconds())), reject)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLimiter builds the inbound limiter; rps <= 0 disables pacing.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func refuse(w http.ResponseWriter, r *http.Request, retryAfter int, reject Rejecter) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	reject(w, r, retryAfter)
}
