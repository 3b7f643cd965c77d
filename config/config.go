// Package config читает настройки сервера из окружения и необязательного .env файла.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config: все настройки процесса. Значения по умолчанию подходят для локального запуска.
type Config struct {
	Addr              string `env:"ADDR,default=:3000"`
	UploadDir         string `env:"UPLOAD_DIR,default=upload"`
	StagingSubdir     string `env:"STAGING_SUBDIR,default=staging"`
	AvatarSubdir      string `env:"AVATAR_SUBDIR,default=avatar"`
	PublicDir         string `env:"PUBLIC_DIR,default=public"`
	StagingTTLSeconds int    `env:"STAGING_TTL_SECONDS,default=30"`
	MaxUploadMB       int    `env:"MAX_UPLOAD_MB,default=10"`
	DBPath            string `env:"DB_PATH,default=webgis.db"`
	JWTSecret         string `env:"JWT_SECRET"`
	TokenTTLMinutes   int    `env:"TOKEN_TTL_MINUTES,default=60"`
	DefaultAvatar     string `env:"DEFAULT_AVATAR,default=/public/default_avatar.png"`
	Debug             bool   `env:"DEBUG,default=false"`
}

// Load подгружает dotenvPath (если файл есть) и разбирает окружение.
// Уже заданные переменные окружения не перезаписываются.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", dotenvPath, err)
			}
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// Validate проверяет значения, без которых сервер не стартует.
func (c *Config) Validate() error {
	var errs []error
	if c.StagingTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("STAGING_TTL_SECONDS must be positive, got %d", c.StagingTTLSeconds))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB))
	}
	if c.TokenTTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL_MINUTES must be positive, got %d", c.TokenTTLMinutes))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) StagingTTL() time.Duration {
	return time.Duration(c.StagingTTLSeconds) * time.Second
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// MaxUploadBytes: лимит тела multipart-запроса.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func (c *Config) StagingDir() string {
	return filepath.Join(c.UploadDir, c.StagingSubdir)
}

func (c *Config) AvatarDir() string {
	return filepath.Join(c.UploadDir, c.AvatarSubdir)
}
