// Package users хранит учётные записи в SQLite. Для движка загрузок это
// «владелец», в запись которого попадает постоянный URL аватара.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user with this email or username already exists")
)

// User: запись в таблице users.
type User struct {
	ID           int64
	Email        string
	Username     string
	PasswordHash string
	AvatarURL    string
	CreatedAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	email         TEXT UNIQUE NOT NULL,
	username      TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	avatar_url    TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLStore: хранилище пользователей поверх database/sql и go-sqlite3.
type SQLStore struct {
	db *sql.DB
}

// Open открывает (или создаёт) базу по пути path и применяет схему.
func Open(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite не любит параллельных писателей.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Exists проверяет, заняты ли email или имя пользователя.
func (s *SQLStore) Exists(ctx context.Context, email, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ? OR username = ?`, email, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return n > 0, nil
}

// Create вставляет пользователя и возвращает его с ID и датой создания.
func (s *SQLStore) Create(ctx context.Context, u User) (User, error) {
	u.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, password_hash, avatar_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.Email, u.Username, u.PasswordHash, u.AvatarURL, u.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	u.ID, err = res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("failed to read user id: %w", err)
	}
	return u, nil
}

func (s *SQLStore) ByEmail(ctx context.Context, email string) (User, error) {
	return s.one(ctx, `SELECT id, email, username, password_hash, avatar_url, created_at FROM users WHERE email = ?`, email)
}

func (s *SQLStore) ByID(ctx context.Context, id int64) (User, error) {
	return s.one(ctx, `SELECT id, email, username, password_hash, avatar_url, created_at FROM users WHERE id = ?`, id)
}

func (s *SQLStore) one(ctx context.Context, query string, arg any) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.AvatarURL, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// UpdateAvatar меняет аватар и возвращает предыдущий URL.
func (s *SQLStore) UpdateAvatar(ctx context.Context, id int64, url string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var old string
	err = tx.QueryRowContext(ctx, `SELECT avatar_url FROM users WHERE id = ?`, id).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load avatar: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET avatar_url = ? WHERE id = ?`, url, id); err != nil {
		return "", fmt.Errorf("failed to update avatar: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit avatar update: %w", err)
	}
	return old, nil
}
