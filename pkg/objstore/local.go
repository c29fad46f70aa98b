// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package objstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// Local implements Store on a local directory. It backs GCS_ENABLED=false
// runs and tests; the commit point for Put is an atomic rename, matching
// the durability contract of the remote backend.
type Local struct {
	root string
}

// NewLocal creates a local store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, Error.New("data directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Local{root: dir}, nil
}

func (store *Local) path(key string) string {
	return filepath.Join(store.root, filepath.FromSlash(key))
}

// Put copies the local file into the store via a temp file and rename.
func (store *Local) Put(ctx context.Context, localPath, key string) error {
	source, err := os.Open(localPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = source.Close() }()
	return store.write(key, func(w io.Writer) error {
		_, err := io.Copy(w, source)
		return err
	})
}

// PutBytes writes data to key.
func (store *Local) PutBytes(ctx context.Context, key string, data []byte) error {
	return store.write(key, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (store *Local) write(key string, fill func(io.Writer) error) error {
	target := store.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return Error.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return Error.Wrap(err)
	}
	if err := fill(tmp); err != nil {
		return Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Sync(); err != nil {
		return Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}
	return Error.Wrap(os.Rename(tmp.Name(), target))
}

// Get copies key out of the store into localPath.
func (store *Local) Get(ctx context.Context, key, localPath string) error {
	source, err := os.Open(store.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound.New("%s", key)
		}
		return Error.Wrap(err)
	}
	defer func() { _ = source.Close() }()

	target, err := os.Create(localPath)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(target, source); err != nil {
		return Error.Wrap(errs.Combine(err, target.Close(), os.Remove(localPath)))
	}
	return Error.Wrap(target.Close())
}

// List returns every object under prefix, ordered by key.
func (store *Local) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	base := store.path(prefix)

	var objects []ObjectInfo
	err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(store.root, path)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:  filepath.ToSlash(rel),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(objects, func(i, k int) bool { return objects[i].Key < objects[k].Key })
	return objects, nil
}

// Delete removes key.
func (store *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(store.path(key))
	if os.IsNotExist(err) {
		return ErrNotFound.New("%s", key)
	}
	return Error.Wrap(err)
}

// Exists reports whether key is present.
func (store *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(store.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}
