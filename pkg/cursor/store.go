// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Config configures the cursor store.
type Config struct {
	Dir string `help:"cursor file directory" default:"cursors" env:"CURSOR_DIR"`
}

// Store manages per-shard cursor files in a local directory.
type Store struct {
	log *zap.Logger
	dir string
}

// NewStore opens a cursor store, creating the directory as needed.
func NewStore(log *zap.Logger, config Config) (*Store, error) {
	if config.Dir == "" {
		return nil, Error.New("cursor directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{log: log, dir: config.Dir}, nil
}

// Path returns the cursor file path for the key.
func (store *Store) Path(key Key) string {
	return filepath.Join(store.dir, fmt.Sprintf("cursor-m%d-%s-s%dof%d.json",
		key.MigrationID, sanitize(key.SynchronizerID), key.ShardIndex, key.ShardTotal))
}

// Open loads the cursor for key, creating an empty one over the given
// window when none exists. An existing cursor must carry the same window
// and direction; a changed shard layout must not silently reinterpret old
// positions.
func (store *Store) Open(ctx context.Context, key Key, window Window, direction Direction) (_ *Cursor, err error) {
	defer mon.Task()(&ctx)(&err)

	path := store.Path(key)
	log := store.log.Named(fmt.Sprintf("shard%d", key.ShardIndex))

	record, err := store.load(path)
	if os.IsNotExist(err) {
		record = &Record{
			MigrationID:    key.MigrationID,
			SynchronizerID: key.SynchronizerID,
			ShardIndex:     key.ShardIndex,
			ShardTotal:     key.ShardTotal,
			Direction:      direction,
			MinTime:        window.Min.UTC(),
			MaxTime:        window.Max.UTC(),
		}
		if err := store.save(path, record); err != nil {
			return nil, err
		}
		log.Info("created cursor",
			zap.Time("min_time", record.MinTime),
			zap.Time("max_time", record.MaxTime))
		return &Cursor{log: log, store: store, path: path, record: *record}, nil
	}
	if err != nil {
		return nil, err
	}

	if !record.MinTime.Equal(window.Min.UTC()) || !record.MaxTime.Equal(window.Max.UTC()) {
		return nil, Error.New("cursor window [%s, %s] does not match assigned window [%s, %s]; shard layout changed",
			record.MinTime.Format(time.RFC3339), record.MaxTime.Format(time.RFC3339),
			window.Min.UTC().Format(time.RFC3339), window.Max.UTC().Format(time.RFC3339))
	}
	if record.Direction != direction {
		return nil, Error.New("cursor direction %q does not match %q", record.Direction, direction)
	}
	if record.InTransaction {
		log.Warn("cursor has an interrupted transaction, discarding pending state",
			zap.Int64("pending_updates", record.PendingUpdates),
			zap.Int64("pending_events", record.PendingEvents))
		record.InTransaction = false
		record.PendingUpdates = 0
		record.PendingEvents = 0
		record.PendingBefore = time.Time{}
		if err := store.save(path, record); err != nil {
			return nil, err
		}
	}
	return &Cursor{log: log, store: store, path: path, record: *record}, nil
}

// LoadAll reads every cursor file in the directory. Used by the reconciler.
func (store *Store) LoadAll(ctx context.Context) (_ []*Cursor, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var cursors []*Cursor
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cursor-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(store.dir, name)
		record, err := store.load(path)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, &Cursor{
			log:    store.log.Named(name),
			store:  store,
			path:   path,
			record: *record,
		})
	}
	return cursors, nil
}

// Rewrite loads a cursor, applies mutate, and saves it back. It exists for
// the reconciler's offline fix path; the owning shard must not be running.
func (store *Store) Rewrite(ctx context.Context, cur *Cursor, mutate func(*Record)) (err error) {
	defer mon.Task()(&ctx)(&err)

	mutate(&cur.record)
	if err := validate(&cur.record); err != nil {
		return err
	}
	return store.save(cur.path, &cur.record)
}

// load reads and validates a cursor file, falling back to and promoting the
// .bak copy when the primary fails to parse.
func (store *Store) load(path string) (*Record, error) {
	record, primaryErr := readRecord(path)
	if primaryErr == nil {
		return record, nil
	}
	if os.IsNotExist(primaryErr) {
		return nil, primaryErr
	}

	store.log.Warn("cursor file unreadable, trying backup",
		zap.String("path", path), zap.Error(primaryErr))
	record, backupErr := readRecord(path + ".bak")
	if backupErr != nil {
		return nil, ErrCorrupt.New("%s unreadable and backup failed: %v (backup: %v)",
			path, primaryErr, backupErr)
	}
	if err := store.save(path, record); err != nil {
		return nil, err
	}
	store.log.Info("promoted cursor backup", zap.String("path", path))
	return record, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, Error.New("parsing %s: %v", path, err)
	}
	if err := validate(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// save writes the record atomically: serialize, write temp, fsync, rename.
// The previous valid content is kept as .bak before the rename.
func (store *Store) save(path string, record *Record) (err error) {
	record.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}

	if current, err := os.ReadFile(path); err == nil {
		if json.Valid(current) {
			if err := os.WriteFile(path+".bak", current, 0644); err != nil {
				return Error.Wrap(err)
			}
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Sync(); err != nil {
		return Error.Wrap(errs.Combine(err, tmp.Close(), os.Remove(tmp.Name())))
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(errs.Combine(err, os.Remove(tmp.Name())))
	}
	return Error.Wrap(os.Rename(tmp.Name(), path))
}

// sanitize keeps synchronizer ids filename-safe while staying unique: the
// printable prefix is for operators, the hash suffix for uniqueness.
func sanitize(synchronizerID string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, synchronizerID)
	if len(cleaned) > 40 {
		cleaned = cleaned[:40]
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(synchronizerID))
	return fmt.Sprintf("%s-%08x", cleaned, hash.Sum32())
}
