package staging

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// URLPrefix задаёт публичный адрес staged-файлов, /staging/<key>.
const URLPrefix = "/staging/"

const (
	maxExtLen  = 10
	maxHintLen = 32
)

// KeyFunc генерирует ключ для расширения ext (уже нормализованного, с точкой или пустого).
type KeyFunc func(ext string) string

// NewKey: время загрузки в миллисекундах, случайный суффикс и расширение.
// Суффикс убирает коллизии при параллельных загрузках в одну миллисекунду.
func NewKey(ext string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), suffix, ext)
}

// URL возвращает относительный адрес staged-файла.
func URL(key string) string {
	return URLPrefix + key
}

// KeyFromURL принимает "/staging/<key>" или голый ключ.
// Ключ служит правом доступа к файлу, поэтому любые пути отклоняются.
func KeyFromURL(s string) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(s), URLPrefix)
	if err := validateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validateKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return newError(ErrInvalid, "parse", key, nil)
	case strings.ContainsAny(key, `/\`), strings.Contains(key, ".."):
		return newError(ErrInvalid, "parse", key, nil)
	case filepath.Base(key) != key:
		return newError(ErrInvalid, "parse", key, nil)
	}
	return nil
}

// NormalizeExt приводит расширение к виду ".png". Всё подозрительное превращается в "".
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// permanentName строит имя в постоянном хранилище: "<hint>_<key>" или просто ключ.
func permanentName(key, hint string) string {
	var b strings.Builder
	for _, r := range filepath.Base(hint) {
		if b.Len() >= maxHintLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return key
	}
	return b.String() + "_" + key
}
