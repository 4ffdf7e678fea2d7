// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"errors"
	"fmt"
)

// Validation errors are rejected synchronously with no partial state.
var (
	ErrEmptyIdentifier  = errors.New("identifier must not be empty")
	ErrNegativeQuantity = errors.New("quantity must not be negative")
	ErrEmptyBatch       = errors.New("no staged scans to finalize")
)

// RemoteError is a transient remote failure for one record in one cycle.
// The record stays pending and is retried on the next sync trigger.
type RemoteError struct {
	Status int    // HTTP status, 0 when the request never completed
	Body   string // response body or transport error message
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote request failed: %s", e.Body)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Status, e.Body)
}

// IsRemoteError reports whether err is a transient remote failure.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
