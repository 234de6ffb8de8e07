package job

import "time"

// Action is what to do with a job after a failed delivery.
type Action int

const (
	ActionRetry Action = iota
	ActionDeadLetter
)

// Decision is the outcome of the retry policy for one failed attempt.
type Decision struct {
	Action     Action
	RetryAfter time.Duration
}

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Decide is the retry policy: given the attempt number a redelivery would
// carry and the configured ceiling, it returns whether to retry and how long
// to wait. Pure function, testable without a live queue. Attempts are
// 0-based; a job is redelivered while nextAttempt stays below the ceiling and
// dead-lettered once it would reach it.
func Decide(nextAttempt, ceiling int) Decision {
	if nextAttempt >= ceiling {
		return Decision{Action: ActionDeadLetter}
	}
	delay := retryBaseDelay << uint(nextAttempt)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return Decision{Action: ActionRetry, RetryAfter: delay}
}
