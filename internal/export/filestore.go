package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"anpr-edge/internal/domain/anpr"
)

// FileStore keeps the retry queue as a JSON array on local disk. Writes go to
// a temporary file that is synced and renamed over the previous queue.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) ([]anpr.RetryItem, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read retry queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []anpr.RetryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode retry queue %s: %w", s.path, err)
	}
	return items, nil
}

func (s *FileStore) Save(_ context.Context, items []anpr.RetryItem) error {
	if items == nil {
		items = []anpr.RetryItem{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode retry queue: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create retry queue dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".retry_queue-*")
	if err != nil {
		return fmt.Errorf("create temp retry queue: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write retry queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync retry queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close retry queue: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace retry queue: %w", err)
	}
	return nil
}
