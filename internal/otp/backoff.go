package otp

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultRetryBase is the wait before the first resend.
	DefaultRetryBase = 30 * time.Second

	// DefaultRetryMax caps the wait between sends.
	DefaultRetryMax = 5 * time.Minute
)

// RateLimitError is returned when a resend is requested before the
// backoff period since the last send has elapsed.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("please wait %d seconds before requesting another code",
		int64(math.Ceil(e.Wait.Seconds())))
}

// RetryDelay returns the minimum time that must pass after a send before
// send number attempt is allowed, with the default base and cap.
//
//	1 => 0, 2 => 30s, 3 => 60s, 4 => 120s, 5 => 240s, >= 6 => 300s
func RetryDelay(attempt int) time.Duration {
	return retryDelay(attempt, DefaultRetryBase, DefaultRetryMax)
}

func retryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := base
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
