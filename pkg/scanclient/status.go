// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scanclient

import "fmt"

// StatusError is a non-2xx response from the scan API.
type StatusError struct {
	Code int
	Body string
}

func (err *StatusError) Error() string {
	if len(err.Body) > 200 {
		return fmt.Sprintf("scan API status %d: %s...", err.Code, err.Body[:200])
	}
	return fmt.Sprintf("scan API status %d: %s", err.Code, err.Body)
}

// StatusCode returns the HTTP status, for transient-error classification.
func (err *StatusError) StatusCode() int { return err.Code }
