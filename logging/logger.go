// Package logging оборачивает charmbracelet/log для всего сервера.
package logging

import (
	"bytes"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// Logger оборачивает *log.Logger. Buffer заполнен только у тестового логгера.
type Logger struct {
	*log.Logger
	Buffer *bytes.Buffer
}

var (
	logger *Logger
	once   sync.Once
)

// CreateLogger настраивает глобальный логгер процесса. DEBUG=1 включает отладочный уровень.
func CreateLogger() {
	once.Do(func() {
		base := log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "webgis",
		})
		base.SetLevel(log.InfoLevel)

		if os.Getenv("DEBUG") == "1" {
			base = log.NewWithOptions(os.Stderr, log.Options{
				ReportCaller:    true,
				ReportTimestamp: true,
				Prefix:          "webgis",
			})
			base.SetLevel(log.DebugLevel)
		}

		logger = &Logger{Logger: base}
	})
}

// GetLogger возвращает логгер процесса, создавая его при первом обращении.
func GetLogger() *Logger {
	ensureInitialized()
	return logger
}

// BaseLogger возвращает исходный *log.Logger, который передаётся в компоненты.
func (l *Logger) BaseLogger() *log.Logger {
	return l.Logger
}

// NewTestLogger пишет всё, начиная с Debug, в буфер.
func NewTestLogger() *Logger {
	buf := new(bytes.Buffer)
	base := log.NewWithOptions(buf, log.Options{Level: log.DebugLevel})
	return &Logger{Logger: base, Buffer: buf}
}

// GetOutput возвращает накопленный вывод тестового логгера.
func (l *Logger) GetOutput() string {
	if l.Buffer == nil {
		return ""
	}
	return l.Buffer.String()
}

func ensureInitialized() {
	if logger == nil {
		CreateLogger()
	}
}
