// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package uploader

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// DeadLetter is one terminally failed upload, appended to the dead-letter
// log as a JSON line.
type DeadLetter struct {
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

type deadLetterLog struct {
	mu   sync.Mutex
	path string
}

func (log *deadLetterLog) append(item Item, cause error) error {
	log.mu.Lock()
	defer log.mu.Unlock()

	line, err := json.Marshal(DeadLetter{
		LocalPath:  item.LocalPath,
		RemotePath: item.RemoteKey,
		Error:      cause.Error(),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return Error.Wrap(err)
	}

	file, err := os.OpenFile(log.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return Error.Wrap(errs.Combine(err, file.Close()))
	}
	return Error.Wrap(file.Close())
}

// ReadDeadLetters returns the dead-letter records in the log at path. A
// missing log means no dead letters.
func ReadDeadLetters(path string) ([]DeadLetter, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	var letters []DeadLetter
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var letter DeadLetter
		if err := json.Unmarshal(scanner.Bytes(), &letter); err != nil {
			return nil, Error.New("corrupt dead-letter line: %v", err)
		}
		letters = append(letters, letter)
	}
	return letters, Error.Wrap(scanner.Err())
}

// Requeue re-enqueues every dead letter whose local file still exists and
// truncates the log. Entries whose file is gone are dropped; the object
// either uploaded previously or is unrecoverable.
func (queue *Queue) Requeue() (requeued int, err error) {
	letters, err := ReadDeadLetters(queue.config.DeadLetterPath)
	if err != nil {
		return 0, err
	}
	if len(letters) == 0 {
		return 0, nil
	}
	if err := os.Remove(queue.config.DeadLetterPath); err != nil && !os.IsNotExist(err) {
		return 0, Error.Wrap(err)
	}

	for _, letter := range letters {
		info, err := os.Stat(letter.LocalPath)
		if err != nil {
			queue.log.Info("skipping dead letter without local file",
				zap.String("local_path", letter.LocalPath))
			continue
		}
		if err := queue.Enqueue(Item{
			LocalPath: letter.LocalPath,
			RemoteKey: letter.RemotePath,
			Size:      info.Size(),
		}); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
