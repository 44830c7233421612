// Package idgen provides unique identifier generation for the application.
// It uses rs/xid for short, sortable, globally unique identifiers.
package idgen

import (
	"github.com/rs/xid"
)

// NewID generates a new globally unique identifier
func NewID() string {
	return xid.New().String()
}

// NewRunID generates an identifier for a work-item run (used in the run log)
func NewRunID() string {
	return "run-" + xid.New().String()
}

// NewRequestID generates an identifier for an HTTP request
func NewRequestID() string {
	return "req-" + xid.New().String()
}
