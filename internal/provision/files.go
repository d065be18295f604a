package provision

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"assistantbridge/internal/apperr"
)

// MaxFileSize is the largest file accepted for upload, 512 MiB.
const MaxFileSize int64 = 512 << 20

// DefaultExtensions are the file types accepted for upload.
var DefaultExtensions = []string{"pdf", "txt", "md", "docx", "xlsx", "pptx", "json", "csv"}

type extensionSet map[string]struct{}

func newExtensionSet(exts []string) extensionSet {
	set := extensionSet{}
	for _, e := range exts {
		if e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), "."); e != "" {
			set[e] = struct{}{}
		}
	}
	if len(set) == 0 {
		return newExtensionSet(DefaultExtensions)
	}
	return set
}

func (s extensionSet) allows(name string) bool {
	_, ok := s[strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")]
	return ok
}

// FileSource resolves references handed in by the admin surface to readable
// local files.
type FileSource interface {
	Stat(ref string) (name string, size int64, err error)
	Open(ref string) (io.ReadCloser, error)
}

// DirSource serves files below Root. References escaping Root are reported
// as missing.
type DirSource struct {
	Root string
}

func (d DirSource) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(ref, "/")))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%s: %w", ref, apperr.ErrFileNotFound)
	}
	return filepath.Join(d.Root, clean), nil
}

func (d DirSource) Stat(ref string) (string, int64, error) {
	path, err := d.resolve(ref)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return "", 0, fmt.Errorf("%s: %w", ref, apperr.ErrFileNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", ref, err)
	}
	return info.Name(), info.Size(), nil
}

func (d DirSource) Open(ref string) (io.ReadCloser, error) {
	path, err := d.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, apperr.ErrFileNotFound)
	}
	return f, err
}
