// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scanclient

import (
	"encoding/json"
	"time"
)

// FetchResult is the outcome of one page fetch. Exactly one of the three
// concrete results is returned; a transient error that exhausts its retry
// budget surfaces as FetchFailure, never as EmptyPage.
type FetchResult interface {
	fetchResult()
}

// DataPage is a page with at least one update. Updates stay as raw blobs so
// the normalizer can preserve every field the schema does not name.
// NextBefore is the earliest record time on the page minus one millisecond,
// ready for the next fetch.
type DataPage struct {
	Updates    []json.RawMessage
	Earliest   time.Time
	NextBefore time.Time
}

// EmptyPage is a successful fetch that returned no updates.
type EmptyPage struct{}

// FetchFailure is a fetch that did not succeed. Retryable reports whether
// the underlying cause was transient; the retry budget is already spent
// either way.
type FetchFailure struct {
	Err       error
	Retryable bool
}

func (DataPage) fetchResult()     {}
func (EmptyPage) fetchResult()    {}
func (FetchFailure) fetchResult() {}
