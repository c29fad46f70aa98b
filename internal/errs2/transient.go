// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package errs2

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"

	"google.golang.org/api/googleapi"
)

// IsCanceled returns true when the error is a context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err is worth retrying: network-level failures
// and retryable HTTP statuses. Everything else, including context
// cancellation, is terminal.
func IsTransient(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return RetryableStatus(gerr.Code)
	}
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		return RetryableStatus(coder.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	return false
}

// RetryableStatus reports whether the HTTP status code should be retried.
// 429 and the transient 5xx family retry; every other 4xx is terminal.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
