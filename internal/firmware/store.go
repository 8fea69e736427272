// Package firmware resolves software images for hardware model, target
// hardware and target software versions beneath one root directory.
package firmware

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/fieldgate/internal/protocol"
)

const DefaultRoot = "firmware"

var (
	ErrNotFound    = errors.New("firmware: image not found")
	ErrEscapesRoot = errors.New("firmware: path escapes root")
)

// Name returns the image path relative to the store root.
func Name(model uint8, hardware, software protocol.Version) string {
	return fmt.Sprintf("sw/%d-hw%s-sw%s.hex", model, hardware, software)
}

// Store is a read-mostly image directory.
type Store struct {
	root string
}

func NewStore(root string) Store {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		resolved = DefaultRoot
	}
	return Store{root: resolved}
}

func (s Store) Root() string { return s.root }

// Load reads the image for model, hardware and software.
func (s Store) Load(model uint8, hardware, software protocol.Version) ([]byte, error) {
	p, err := s.resolvePath(Name(model, hardware, software))
	if err != nil {
		return nil, err
	}
	out, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, Name(model, hardware, software))
		}
		return nil, err
	}
	return out, nil
}

// Put writes an image under its canonical name.
func (s Store) Put(model uint8, hardware, software protocol.Version, image []byte) error {
	p, err := s.resolvePath(Name(model, hardware, software))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, image, 0o644)
}

// List returns image names relative to the root, sorted.
func (s Store) List() ([]string, error) {
	root, err := filepath.Abs(s.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".hex") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s Store) resolvePath(name string) (string, error) {
	rel := strings.TrimSpace(name)
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	p := filepath.Clean(filepath.Join(root, rel))
	if !isWithin(p, root) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	return p, nil
}

func isWithin(path string, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}
