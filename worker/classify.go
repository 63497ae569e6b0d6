package worker

import (
	"errors"
	"strings"
)

// Outcome is the worker's reading of an execution error.
type Outcome int

const (
	// OutcomeRetryable is the default: transient faults worth retrying.
	OutcomeRetryable Outcome = iota
	// OutcomeThrottled means the network pushed back on our send rate.
	// Escalates the shared throttle in addition to the retry path.
	OutcomeThrottled
	// OutcomeNonRetryable means retrying cannot help (authorization,
	// validation, missing targets).
	OutcomeNonRetryable
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeThrottled:
		return "throttled"
	case OutcomeNonRetryable:
		return "non_retryable"
	default:
		return "retryable"
	}
}

// Classifier maps an execution error to an Outcome. Pluggable for tests
// and for clients with richer error surfaces.
type Classifier func(error) Outcome

// statusCoder is satisfied by transport errors that carry a status code,
// including wa.RequestError.
type statusCoder interface {
	Status() int
}

// throttleMarkers are matched case-insensitively against the error text.
var throttleMarkers = []string{
	"rate-overlimit",
	"too many requests",
	"rate limit",
}

// permanentMarkers flag failures retrying cannot fix.
var permanentMarkers = []string{
	"not authorized",
	"unauthorized",
	"forbidden",
	"not found",
	"invalid",
	"bad request",
}

// Classify is the default Classifier. Throttling detection wins over the
// permanent-failure heuristics so a throttled request is never failed
// terminally by its wording.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range throttleMarkers {
		if strings.Contains(msg, marker) {
			return OutcomeThrottled
		}
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.Status() == 429 {
		return OutcomeThrottled
	}

	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return OutcomeNonRetryable
		}
	}
	return OutcomeRetryable
}
