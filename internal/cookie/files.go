package cookie

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const fileSuffix = ".txt"

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ErrInvalidName is returned for names that cannot be used as a file name.
var ErrInvalidName = errors.New("invalid cookie name")

// FileStore keeps one named cookie string per file.
type FileStore struct {
	dir string
}

// StoredFile describes one file in the store.
type StoredFile struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cookie directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cookie directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) (string, error) {
	if !validName.MatchString(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name+fileSuffix), nil
}

// Write stores raw under name, replacing any previous value.
func (s *FileStore) Write(name, raw string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(strings.TrimSpace(raw)), 0o600); err != nil {
		return fmt.Errorf("write cookie %s: %w", name, err)
	}
	return nil
}

// Read returns the stored string for name.
func (s *FileStore) Read(name string) (string, error) {
	p, err := s.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p) //nolint:gosec // name is validated above
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("cookie %s: %w", name, crawler.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read cookie %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Remove deletes the file for name.
func (s *FileStore) Remove(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cookie %s: %w", name, crawler.ErrNotFound)
		}
		return fmt.Errorf("delete cookie %s: %w", name, err)
	}
	return nil
}

// Files lists stored cookies ordered by name.
func (s *FileStore) Files() ([]StoredFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list cookies: %w", err)
	}
	var out []StoredFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, StoredFile{
			Name:       strings.TrimSuffix(e.Name(), fileSuffix),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
