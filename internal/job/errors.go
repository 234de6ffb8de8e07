package job

import "errors"

var (
	// ErrUnknownType means the submitted type maps to no generation engine.
	ErrUnknownType = errors.New("unknown job type")
	// ErrPayloadInvalid means the payload is missing or not valid JSON.
	ErrPayloadInvalid = errors.New("payload must be a non-empty JSON value")
	// ErrPayloadTooLarge means the payload exceeds the configured size bound.
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
	// ErrEnqueueFailed means the job record exists but its queue entry could
	// not be appended; the job is marked failed, never left pending.
	ErrEnqueueFailed = errors.New("enqueue failed")
	// ErrRequestIDMismatch means a report carried a correlation id that does
	// not match the job's recorded one. The report is rejected unapplied.
	ErrRequestIDMismatch = errors.New("request id does not match job")
	// ErrInvalidTransition means the reported status is not a legal move from
	// the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)
