package status

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"PrioMail/internal/models"
)

// FileBackend persists snapshots as a single JSON document. Writes go
// through a temp file and rename so a crash mid-write never truncates the
// previous snapshot.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{path: path}, nil
}

func (f *FileBackend) Save(_ context.Context, records map[string]*models.EmailStatus) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileBackend) Load(_ context.Context) (map[string]*models.EmailStatus, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]*models.EmailStatus{}, nil
		}
		return nil, err
	}

	records := make(map[string]*models.EmailStatus)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
