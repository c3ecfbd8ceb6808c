package webhook

import (
	"net/http"
	"strconv"
	"time"
)

const maxRetryAfter = 60 * time.Second

// parseRetryAfter parses a Retry-After header (delta-seconds or HTTP-date)
// and returns the delay it requests, capped at maxRetryAfter. Returns false
// if the header is absent or unparseable.
func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d, true
	}

	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta < 0 {
			delta = 0
		}
		if delta > maxRetryAfter {
			delta = maxRetryAfter
		}
		return delta, true
	}

	return 0, false
}
