package outbound

import "errors"

var (
	// ErrStoreClosed is returned by store operations after Close.
	ErrStoreClosed = errors.New("outbound: store closed")

	// ErrJobNotFound is returned when no job record exists for a lookup.
	ErrJobNotFound = errors.New("outbound: job not found")

	// ErrJobAlreadyExists is returned when enqueueing a duplicate job ID.
	ErrJobAlreadyExists = errors.New("outbound: job already exists")

	// ErrNoEligibleJob is returned by DequeueJob when nothing is due.
	ErrNoEligibleJob = errors.New("outbound: no eligible job")
)
