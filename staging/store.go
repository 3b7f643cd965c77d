package staging

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// StableStore описывает постоянное хранилище, куда переезжают подтверждённые загрузки.
type StableStore interface {
	// Adopt переносит файл src под имя name и возвращает его публичный URL.
	// Реализация обязана переносить, а не копировать, и не перезаписывать чужой файл.
	Adopt(src, name string) (string, error)
	// Remove удаляет ранее принятый файл.
	Remove(name string) error
}

// DirStore хранит файлы в каталоге на той же afero.Fs, что и Area, поэтому
// перенос сводится к одному Rename.
type DirStore struct {
	fs        afero.Fs
	dir       string
	urlPrefix string
}

var _ StableStore = &DirStore{}

// NewDirStore создаёт каталог dir. urlPrefix: путь, по которому файлы раздаются, например "/uploads/avatar".
func NewDirStore(fs afero.Fs, dir, urlPrefix string) (*DirStore, error) {
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create permanent directory: %w", err)
	}
	return &DirStore{fs: fs, dir: dir, urlPrefix: strings.TrimSuffix(urlPrefix, "/")}, nil
}

func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) Adopt(src, name string) (string, error) {
	if err := validateKey(name); err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(s.dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create permanent directory: %w", err)
	}

	dst := filepath.Join(s.dir, name)
	exists, err := afero.Exists(s.fs, dst)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", dst, err)
	}
	if exists {
		return "", fmt.Errorf("permanent file %s: %w", name, os.ErrExist)
	}

	if err := s.fs.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to move %s: %w", src, err)
	}
	return s.URL(name), nil
}

func (s *DirStore) Remove(name string) error {
	if err := validateKey(name); err != nil {
		return err
	}
	if err := s.fs.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete permanent file: %w", err)
	}
	return nil
}

func (s *DirStore) URL(name string) string {
	return s.urlPrefix + "/" + name
}

// NameFromURL возвращает имя файла, если url указывает в это хранилище.
func (s *DirStore) NameFromURL(url string) (string, bool) {
	dir, name := path.Split(url)
	if strings.TrimSuffix(dir, "/") != s.urlPrefix || validateKey(name) != nil {
		return "", false
	}
	return name, true
}
