package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"webgis_backend/users"
)

// --- Хранилище пользователей ---

// UserStore: то, что обработчикам нужно от базы пользователей.
type UserStore interface {
	Exists(ctx context.Context, email, username string) (bool, error)
	Create(ctx context.Context, u users.User) (users.User, error)
	ByEmail(ctx context.Context, email string) (users.User, error)
	ByID(ctx context.Context, id int64) (users.User, error)
	UpdateAvatar(ctx context.Context, id int64, url string) (string, error)
}

// --- Запросы и ответы ---

// UserCredentials: тело запроса на вход.
type UserCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// avatarRequest: тело запросов смены и отмены аватара. Avatar: URL вида /staging/<key>.
type avatarRequest struct {
	Avatar string `json:"avatar"`
}

// userResponse: публичные поля пользователя, без хеша пароля.
type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

func newUserResponse(u users.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt,
	}
}

// --- Контекст (для Middleware) ---

type contextKey string

const (
	userContextKey      contextKey = "user_id"
	requestIDContextKey contextKey = "request_id"
)

const sessionCookieName = "session_token"

// --- Ответы в формате {"message", "status"} ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message, "status": "error"})
}
