package domain

import "time"

const (
	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute
)

// Backoff returns the retry delay after the given attempt count:
// 30s, 60s, 120s... capped at 10 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
