package job

import "encoding/json"

// Result is the terminal outcome of a job. Callers of blocking waits
// always receive one of these, never a raw transport error.
type Result struct {
	Success bool `json:"success"`

	// Data is the variant-specific response (sent message ack, group
	// metadata, registration list, ...). Nil for void operations.
	Data json.RawMessage `json:"data,omitempty"`

	// Error is the failure description when Success is false.
	Error string `json:"error,omitempty"`

	// Retryable reports whether the backend's retry policy may
	// re-attempt the job. Distinct from the worker's throttle backoff,
	// which delays future execution rather than retrying this job.
	Retryable bool `json:"retryable,omitempty"`
}

// OK wraps a successful response payload into a Result.
func OK(data any) *Result {
	if data == nil {
		return &Result{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		// The response came from our own wire types; a marshal failure
		// is a programming error, but the job itself succeeded.
		return &Result{Success: true}
	}
	return &Result{Success: true, Data: raw}
}

// Fail wraps a failure into a Result.
func Fail(errMsg string, retryable bool) *Result {
	return &Result{Success: false, Error: errMsg, Retryable: retryable}
}
