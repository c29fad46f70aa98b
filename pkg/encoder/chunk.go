// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package encoder

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/errs"
)

// ChunkExtension is the file extension of the intermediate container.
const ChunkExtension = ".jsonl.zst"

// WriteChunked writes the intermediate container: each chunk is compressed
// with zstd and framed with a big-endian uint32 length prefix. The format
// is private to this pipeline; the columnar format is the external
// contract.
func WriteChunked(path string, chunks [][]byte, level int) (err error) {
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

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return errs.Combine(err, tmp.Close())
	}
	defer func() { _ = encoder.Close() }()

	var frame [4]byte
	for _, chunk := range chunks {
		compressed := encoder.EncodeAll(chunk, nil)
		binary.BigEndian.PutUint32(frame[:], uint32(len(compressed)))
		if _, err := tmp.Write(frame[:]); err != nil {
			return errs.Combine(err, tmp.Close())
		}
		if _, err := tmp.Write(compressed); err != nil {
			return errs.Combine(err, tmp.Close())
		}
	}
	if err := tmp.Sync(); err != nil {
		return errs.Combine(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return Error.Wrap(os.Rename(tmp.Name(), path))
}

// ReadChunked reads back every chunk of an intermediate container.
func ReadChunked(path string) (_ [][]byte, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer decoder.Close()

	var chunks [][]byte
	var frame [4]byte
	for {
		_, err := io.ReadFull(file, frame[:])
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		compressed := make([]byte, binary.BigEndian.Uint32(frame[:]))
		if _, err := io.ReadFull(file, compressed); err != nil {
			return nil, Error.Wrap(err)
		}
		chunk, err := decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		chunks = append(chunks, chunk)
	}
}
