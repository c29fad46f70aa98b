// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package objstore abstracts the durable object store the pipeline writes
// to. Keys are POSIX-style paths relative to the configured root prefix;
// conversion to OS paths happens only inside the local backend.
package objstore

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the class of object store errors.
var Error = errs.Class("objstore")

// ErrNotFound is returned for missing objects.
var ErrNotFound = errs.Class("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is a durable object store. Put integrity is delegated to the
// backend (server-side checksum); no client-side re-download happens after
// a write.
type Store interface {
	// Put uploads the local file to key.
	Put(ctx context.Context, localPath, key string) error
	// PutBytes writes data to key. Used for small markers.
	PutBytes(ctx context.Context, key string, data []byte) error
	// Get downloads key into localPath.
	Get(ctx context.Context, key, localPath string) error
	// List returns every object under prefix, lexically ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes key. Deleting a missing key is an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}
