// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package objstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
)

var mon = monkit.Package()

// GCSConfig configures the GCS backend.
type GCSConfig struct {
	Bucket        string        `help:"destination bucket" env:"GCS_BUCKET"`
	Prefix        string        `help:"key prefix inside the bucket" default:"raw"`
	UploadTimeout time.Duration `help:"hard timeout per object operation" default:"300s"`
}

// GCS implements Store on a Google Cloud Storage bucket.
type GCS struct {
	log    *zap.Logger
	config GCSConfig
	bucket *storage.BucketHandle
}

// NewGCS creates a GCS-backed store.
func NewGCS(ctx context.Context, log *zap.Logger, config GCSConfig) (*GCS, error) {
	if config.Bucket == "" {
		return nil, Error.New("bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &GCS{
		log:    log,
		config: config,
		bucket: client.Bucket(config.Bucket),
	}, nil
}

func (store *GCS) key(key string) string {
	return path.Join(store.config.Prefix, key)
}

// Put uploads the local file to key. The server verifies the object's
// checksum on finalize.
func (store *GCS) Put(ctx context.Context, localPath, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := os.Open(localPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	ctx, cancel := context.WithTimeout(ctx, store.config.UploadTimeout)
	defer cancel()

	writer := store.bucket.Object(store.key(key)).NewWriter(ctx)
	if _, err := io.Copy(writer, file); err != nil {
		return Error.Wrap(errors.Join(err, writer.Close()))
	}
	return Error.Wrap(writer.Close())
}

// PutBytes writes data to key.
func (store *GCS) PutBytes(ctx context.Context, key string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, store.config.UploadTimeout)
	defer cancel()

	writer := store.bucket.Object(store.key(key)).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		return Error.Wrap(errors.Join(err, writer.Close()))
	}
	return Error.Wrap(writer.Close())
}

// Get downloads key into localPath.
func (store *GCS) Get(ctx context.Context, key, localPath string) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, store.config.UploadTimeout)
	defer cancel()

	reader, err := store.bucket.Object(store.key(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrNotFound.New("%s", key)
		}
		return Error.Wrap(err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		return Error.Wrap(errors.Join(err, file.Close(), os.Remove(localPath)))
	}
	return Error.Wrap(file.Close())
}

// List returns every object under prefix, ordered by key.
func (store *GCS) List(ctx context.Context, prefix string) (_ []ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	full := store.key(prefix)
	it := store.bucket.Objects(ctx, &storage.Query{Prefix: full + "/"})

	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		key := attrs.Name
		if store.config.Prefix != "" {
			key = key[len(store.config.Prefix)+1:]
		}
		objects = append(objects, ObjectInfo{Key: key, Size: attrs.Size})
	}
	sort.Slice(objects, func(i, k int) bool { return objects[i].Key < objects[k].Key })
	return objects, nil
}

// Delete removes key.
func (store *GCS) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = store.bucket.Object(store.key(key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound.New("%s", key)
	}
	return Error.Wrap(err)
}

// Exists reports whether key is present.
func (store *GCS) Exists(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.bucket.Object(store.key(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}
