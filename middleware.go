package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// authMiddleware пропускает запрос, если в заголовке Authorization или в куке
// session_token лежит действующий токен существующего пользователя.
func (s *server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			if cookie, err := r.Cookie(sessionCookieName); err == nil {
				raw = cookie.Value
			}
		}
		if raw == "" {
			s.requestLog(r).Warn("❌ Неудачная аутентификация: токен отсутствует", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "Не авторизован")
			return
		}

		userID, err := s.tokens.Parse(raw)
		if err != nil {
			s.requestLog(r).Warn("❌ Неудачная аутентификация", "error", err)
			writeError(w, http.StatusUnauthorized, "Сессия недействительна, войдите заново")
			return
		}

		// Пользователь мог быть удалён после выдачи токена.
		if _, err := s.users.ByID(r.Context(), userID); err != nil {
			s.requestLog(r).Warn("❌ Неудачная аутентификация: пользователь не найден", "user_id", userID)
			writeError(w, http.StatusUnauthorized, "Пользователь не найден")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func userIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userContextKey).(int64)
	return id, ok
}

// statusRecorder запоминает код ответа. Hijack нужен для апгрейда /ws.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	// После апгрейда код ответа 101.
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// requestLogger присваивает запросу ID и пишет строку лога по завершении.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDContextKey, requestID)))

		s.logger.Debug("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", requestID)
	})
}

// requestLog возвращает логгер с request_id текущего запроса.
func (s *server) requestLog(r *http.Request) *log.Logger {
	if id, ok := r.Context().Value(requestIDContextKey).(string); ok {
		return s.logger.With("request_id", id)
	}
	return s.logger
}
