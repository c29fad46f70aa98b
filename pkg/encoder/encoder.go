// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package encoder turns row batches into columnar files through a bounded
// worker pool. Files appear atomically: batches are written to a temp file
// and renamed, so no partial file survives an error.
package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the class of encoder errors.
	Error = errs.Class("encoder")

	mon = monkit.Package()
)

// Filename returns a globally unique file name for a batch of the given
// kind: wall-clock milliseconds plus a random suffix. A name is never
// reused, so a re-run can never overwrite a durable file.
func Filename(kind, extension string) string {
	return fmt.Sprintf("%s-%d-%s%s",
		kind, time.Now().UnixMilli(), uuid.NewString()[:8], extension)
}

// WriteParquet writes rows into a parquet file at path, atomically.
func WriteParquet[T any](path string, rows []T) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Error.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
		}
	}()

	writer := parquet.NewGenericWriter[T](tmp, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(rows); err != nil {
		return errs.Combine(err, tmp.Close())
	}
	if err := writer.Close(); err != nil {
		return errs.Combine(err, tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return errs.Combine(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return Error.Wrap(os.Rename(tmp.Name(), path))
}

// ReadParquet reads every row of a parquet file written by WriteParquet.
func ReadParquet[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return rows, nil
}
