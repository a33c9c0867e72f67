package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DirStore keeps each value as <path>/<name>.json. Writes go to a uniquely
// named temp file, are fsynced, then renamed over the target so a crash never
// leaves a torn state file.
type DirStore struct {
	path string
}

// NewDirStore creates the directory if needed.
func NewDirStore(path string) (*DirStore, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("state directory %s: %w", path, err)
	}
	return &DirStore{path: path}, nil
}

func (s *DirStore) fileName(name string) string {
	return filepath.Join(s.path, name+".json")
}

func (s *DirStore) Write(name string, payload []byte) error {
	tmp := filepath.Join(s.path, name+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("state file %s: %w", tmp, err)
	}
	if _, err = f.Write(payload); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state file %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, s.fileName(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state file %s: %w", name, err)
	}

	// Make the rename itself durable.
	if dir, err := os.Open(s.path); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

func (s *DirStore) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.fileName(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", name, err)
	}
	return data, nil
}

func (s *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("state directory %s: %w", s.path, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

func (s *DirStore) Delete(name string) error {
	err := os.Remove(s.fileName(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *DirStore) Close() error { return nil }
