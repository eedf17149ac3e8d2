package shim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

type fileRecords struct {
	Records map[string]Record `toml:"records"`
}

// FileStore keeps all records in one TOML file keyed by address.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) read() (fileRecords, error) {
	var out fileRecords
	if _, err := toml.DecodeFile(s.path, &out); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileRecords{Records: map[string]Record{}}, nil
		}
		return out, fmt.Errorf("shim: read %s: %w", s.path, err)
	}
	if out.Records == nil {
		out.Records = map[string]Record{}
	}
	return out, nil
}

func (s *FileStore) Load(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return Record{}, err
	}
	rec, ok := all.Records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Save rewrites the file through a temp file and rename.
func (s *FileStore) Save(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	all.Records[key] = rec

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("shim: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".shim-*.toml")
	if err != nil {
		return fmt.Errorf("shim: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := toml.NewEncoder(tmp).Encode(all); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("shim: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("shim: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("shim: replace %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
