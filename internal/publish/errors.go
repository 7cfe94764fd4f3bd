package publish

import "errors"

var (
	// ErrSigningUnavailable means no signer is registered for the event author.
	ErrSigningUnavailable = errors.New("no signer available")
	// ErrSigningFailed means the signer was invoked and returned an error.
	ErrSigningFailed = errors.New("signing failed")
	ErrSendFailure   = errors.New("relay rejected event")
	ErrSendTimeout   = errors.New("relay did not acknowledge in time")
	ErrAborted       = errors.New("publication aborted")
)
