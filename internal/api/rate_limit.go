package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/fitsflow/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string, charge ratelimit.Charge) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		subject := s.userID(r)
		if subject == "" {
			subject = "anonymous"
		}
		subject = subject + ":" + routeLabel(r.URL.Path)

		decision, err := s.rateLimiter.Allow(r.Context(), subject, requestCharge(r))
		if err != nil {
			s.logger.Printf("rate limiter check failed subject=%s err=%v", subject, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path), decision.Exhausted).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":  "rate limit exceeded",
			"bucket": decision.Exhausted,
		})
	})
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method == http.MethodGet {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/jobs")
}

// requestCharge takes one request token, plus one frame token per stretch step on job
// creation. The body is buffered and restored for the handler; an unreadable body is charged as
// a bare request and fails later in decoding.
func requestCharge(r *http.Request) ratelimit.Charge {
	charge := ratelimit.Charge{Requests: 1}
	if r.Method != http.MethodPost || routeLabel(r.URL.Path) != "/v1/jobs" || r.Body == nil {
		return charge
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return charge
	}

	var peek struct {
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(body, &peek); err == nil {
		charge.Frames = len(peek.Steps)
	}
	return charge
}
