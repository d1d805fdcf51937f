package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerNotFound is returned for operations on an unknown broker id.
	ErrBrokerNotFound = errors.New("broker not found")
	// ErrBrokerBusy rejects config mutation while a connection is live.
	// The caller has to disconnect first.
	ErrBrokerBusy = errors.New("broker busy: disconnect first")
	// ErrNotConnected rejects publishes against a connection that is
	// not in the Connected phase.
	ErrNotConnected = errors.New("broker not connected")
)

// ValidationError reports a malformed configuration field to the
// administrative caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
