package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// Area: каталог с ещё не подтверждёнными загрузками. Файл лежит под своим ключом.
type Area struct {
	fs  afero.Fs
	dir string
}

// NewArea создаёт каталог dir, если его нет.
func NewArea(fs afero.Fs, dir string) (*Area, error) {
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Area{fs: fs, dir: dir}, nil
}

func (a *Area) Dir() string {
	return a.dir
}

func (a *Area) Path(key string) string {
	return filepath.Join(a.dir, key)
}

// Write записывает data под ключом key. Существующий файл не перезаписывается.
func (a *Area) Write(key string, data []byte) (string, error) {
	if err := a.fs.MkdirAll(a.dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	path := a.Path(key)
	f, err := a.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return "", fmt.Errorf("failed to create staged file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = a.fs.Remove(path)
		return "", fmt.Errorf("failed to write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = a.fs.Remove(path)
		return "", fmt.Errorf("failed to close staged file: %w", err)
	}
	return path, nil
}

// Remove удаляет staged-файл. Отсутствующий файл ошибкой не считается.
func (a *Area) Remove(key string) error {
	if err := a.fs.Remove(a.Path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete staged file: %w", err)
	}
	return nil
}

// stale возвращает ключи файлов, изменённых не позже cutoff.
func (a *Area) stale(cutoff time.Time) ([]string, error) {
	infos, err := afero.ReadDir(a.fs, a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list staging directory: %w", err)
	}

	var keys []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if !info.ModTime().After(cutoff) {
			keys = append(keys, info.Name())
		}
	}
	return keys, nil
}
