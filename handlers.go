package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"webgis_backend/auth"
	"webgis_backend/config"
	"webgis_backend/staging"
	"webgis_backend/users"
)

// maxFormMemory: сколько multipart-формы держать в памяти, остальное уходит во временные файлы.
const maxFormMemory = 32 << 20

// server держит всё, что нужно обработчикам. Создаётся один раз в main.
type server struct {
	cfg     *config.Config
	fs      afero.Fs
	engine  *staging.Engine
	avatars *staging.DirStore
	users   UserStore
	tokens  *auth.Issuer
	hub     http.Handler
	reg     *prometheus.Registry
	logger  *log.Logger
}

// routes собирает маршруты сервера.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	// Маршруты без защиты
	mux.HandleFunc("/upload-avatar", s.uploadAvatarHandler)
	mux.HandleFunc(staging.URLPrefix, s.stagingFileHandler)
	mux.HandleFunc("/register", s.registerHandler)
	mux.HandleFunc("/login", s.loginHandler)
	mux.HandleFunc("/logout", s.logoutHandler)
	// Клиент, не дошедший до входа, тоже может отказаться от загруженного файла:
	// ключ сам по себе является правом доступа.
	mux.HandleFunc("/discard-temp-public", s.discardHandler)

	// Защищённые маршруты
	mux.HandleFunc("/user", s.authMiddleware(s.userHandler))
	mux.HandleFunc("/user/avatar", s.authMiddleware(s.updateAvatarHandler))
	mux.HandleFunc("/discard-temp", s.authMiddleware(s.discardHandler))

	// Уведомления и метрики
	mux.Handle("/ws", s.hub)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	// Статика: постоянные аватары и аватар по умолчанию
	avatarPrefix := "/uploads/" + s.cfg.AvatarSubdir + "/"
	mux.Handle(avatarPrefix, http.StripPrefix(avatarPrefix,
		http.FileServer(afero.NewHttpFs(s.fs).Dir(s.avatars.Dir()))))
	mux.Handle("/public/", http.StripPrefix("/public/",
		http.FileServer(afero.NewHttpFs(s.fs).Dir(s.cfg.PublicDir))))

	return s.requestLogger(mux)
}

// uploadAvatarHandler принимает файл и кладёт его во временное хранилище.
// Клиент получает /staging/<key>, который позже передаёт в /register или /user/avatar.
func (s *server) uploadAvatarHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Допустим только метод POST")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		s.requestLog(r).Warn("❌ Ошибка парсинга формы", "error", err)
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Максимальный размер запроса %s", humanize.IBytes(uint64(s.cfg.MaxUploadBytes()))))
		return
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		writeError(w, http.StatusBadRequest, "Файл не загружен")
		return
	}
	if err != nil {
		s.requestLog(r).Error("❌ Ошибка при получении файла", "error", err)
		writeError(w, http.StatusInternalServerError, "Ошибка при обработке файла")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.requestLog(r).Error("❌ Ошибка чтения файла", "error", err)
		writeError(w, http.StatusInternalServerError, "Ошибка при обработке файла")
		return
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		writeError(w, http.StatusUnsupportedMediaType, "Аватар должен быть изображением")
		return
	}

	ext := filepath.Ext(header.Filename)
	if staging.NormalizeExt(ext) == "" {
		ext = mtype.Extension()
	}

	key, err := s.engine.Stage(data, ext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Не удалось сохранить файл")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"avatarUrl": staging.URL(key),
		"expiresIn": int(s.engine.TTL().Seconds()),
		"status":    "success",
	})
}

// stagingFileHandler отдаёт файл, пока он ждёт подтверждения (превью аватара).
func (s *server) stagingFileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Допустим только метод GET")
		return
	}

	key, err := staging.KeyFromURL(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Некорректный адрес файла")
		return
	}

	upload, err := s.engine.Lookup(key)
	if err != nil {
		writeError(w, http.StatusNotFound, "Файл не найден или срок его хранения истёк")
		return
	}

	f, err := s.fs.Open(upload.StagingPath)
	if err != nil {
		// Файл успели удалить между Lookup и Open.
		writeError(w, http.StatusNotFound, "Файл не найден или срок его хранения истёк")
		return
	}
	defer f.Close()

	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, key, upload.CreatedAt, f)
}

// registerHandler создаёт пользователя. Если в форме передан staged-аватар,
// он переносится в постоянное хранилище непосредственно перед вставкой записи.
func (s *server) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Допустим только метод POST")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.requestLog(r).Warn("❌ Ошибка парсинга формы", "error", err)
		writeError(w, http.StatusBadRequest, "Некорректная форма")
		return
	}

	email := strings.TrimSpace(r.FormValue("email"))
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	avatar := strings.TrimSpace(r.FormValue("avatar"))

	if email == "" || username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "Все обязательные поля должны быть заполнены")
		return
	}

	ctx := r.Context()
	exists, err := s.users.Exists(ctx, email, username)
	if err != nil {
		s.requestLog(r).Error("❌ Ошибка проверки пользователя", "error", err)
		writeError(w, http.StatusInternalServerError, "Внутренняя ошибка сервера")
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "Email или имя пользователя уже заняты")
		return
	}

	hash, err := users.HashPassword(password)
	if err != nil {
		s.requestLog(r).Error("❌ Ошибка хеширования пароля", "error", err)
		writeError(w, http.StatusInternalServerError, "Внутренняя ошибка сервера")
		return
	}

	avatarURL := s.cfg.DefaultAvatar
	promoted := false
	if avatar != "" && avatar != s.cfg.DefaultAvatar {
		url, status, msg := s.promoteAvatar(avatar, username)
		if status != 0 {
			writeError(w, status, msg)
			return
		}
		avatarURL, promoted = url, true
	}

	user, err := s.users.Create(ctx, users.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		AvatarURL:    avatarURL,
	})
	if err != nil {
		if promoted {
			s.removeAvatar(r, avatarURL)
		}
		if errors.Is(err, users.ErrUserExists) {
			writeError(w, http.StatusConflict, "Email или имя пользователя уже заняты")
			return
		}
		s.requestLog(r).Error("❌ Ошибка сохранения пользователя", "error", err)
		writeError(w, http.StatusInternalServerError, "Ошибка регистрации пользователя")
		return
	}

	s.requestLog(r).Info("✅ Новый пользователь", "username", username, "avatar", avatarURL)
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Регистрация прошла успешно! Теперь войдите.",
		"status":  "success",
		"user":    newUserResponse(user),
	})
}

// promoteAvatar переносит staged-файл. При ошибке возвращает HTTP-код и сообщение.
func (s *server) promoteAvatar(stagingURL, owner string) (string, int, string) {
	key, err := staging.KeyFromURL(stagingURL)
	if err != nil {
		return "", http.StatusBadRequest, "Некорректный адрес аватара"
	}

	url, err := s.engine.Promote(key, owner)
	switch {
	case err == nil:
		return url, 0, ""
	case errors.Is(err, staging.ErrNotFound):
		return "", http.StatusGone, "Срок хранения загруженного аватара истёк, загрузите его заново"
	default:
		return "", http.StatusInternalServerError, "Не удалось сохранить аватар"
	}
}

// removeAvatar удаляет файл из постоянного хранилища, если URL указывает туда.
func (s *server) removeAvatar(r *http.Request, url string) {
	name, ok := s.avatars.NameFromURL(url)
	if !ok {
		return
	}
	if err := s.avatars.Remove(name); err != nil {
		s.requestLog(r).Error("❌ Не удалось удалить аватар", "url", url, "error", err)
	}
}

// loginHandler проверяет пароль и выдаёт токен в теле ответа и в куке.
func (s *server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Допустим только метод POST")
		return
	}

	var creds UserCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Неверный формат JSON в теле запроса")
		return
	}
	if creds.Email == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "Введите email и пароль")
		return
	}

	user, err := s.users.ByEmail(r.Context(), creds.Email)
	if errors.Is(err, users.ErrUserNotFound) || (err == nil && !users.CheckPassword(user.PasswordHash, creds.Password)) {
		s.requestLog(r).Warn("❌ Неудачная попытка входа", "email", creds.Email)
		writeError(w, http.StatusUnauthorized, "Неверный email или пароль")
		return
	}
	if err != nil {
		s.requestLog(r).Error("❌ Ошибка загрузки пользователя", "error", err)
		writeError(w, http.StatusInternalServerError, "Внутренняя ошибка сервера")
		return
	}

	token, expires, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.requestLog(r).Error("❌ Ошибка выдачи токена", "error", err)
		writeError(w, http.StatusInternalServerError, "Внутренняя ошибка сервера")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	s.requestLog(r).Info("✅ Успешный вход", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Вход выполнен успешно!",
		"status":  "success",
		"token":   token,
	})
}

// logoutHandler сбрасывает сессионную куку.
func (s *server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Допустим только метод POST")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Выход выполнен", "status": "success"})
}

// userHandler возвращает профиль текущего пользователя.
func (s *server) userHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := userIDFromContext(r.Context())
	user, err := s.users.ByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Пользователь не найден")
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// updateAvatarHandler подтверждает ранее загруженный аватар текущего пользователя.
// Старый файл удаляется после успешного обновления записи.
func (s *server) updateAvatarHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Допустим только метод POST")
		return
	}

	var req avatarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Avatar == "" {
		writeError(w, http.StatusBadRequest, "Не указан адрес аватара")
		return
	}

	ctx := r.Context()
	id, _ := userIDFromContext(ctx)
	user, err := s.users.ByID(ctx, id)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Пользователь не найден")
		return
	}

	url, status, msg := s.promoteAvatar(req.Avatar, user.Username)
	if status != 0 {
		writeError(w, status, msg)
		return
	}

	old, err := s.users.UpdateAvatar(ctx, id, url)
	if err != nil {
		s.removeAvatar(r, url)
		s.requestLog(r).Error("❌ Ошибка обновления аватара", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Не удалось обновить аватар")
		return
	}
	if old != url {
		s.removeAvatar(r, old)
	}

	s.requestLog(r).Info("🔄 Аватар обновлён", "user_id", id, "avatar", url)
	writeJSON(w, http.StatusOK, map[string]string{"avatarUrl": url, "status": "success"})
}

// discardHandler отменяет загрузку. Уведомление по /ws при этом не рассылается.
func (s *server) discardHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Допустим только метод POST")
		return
	}

	var req avatarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Неверный формат JSON в теле запроса")
		return
	}

	key, err := staging.KeyFromURL(req.Avatar)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Некорректный адрес файла")
		return
	}

	err = s.engine.Discard(key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Временный файл удалён", "status": "success"})
	case errors.Is(err, staging.ErrNotFound):
		writeError(w, http.StatusNotFound, "Файл не найден или срок его хранения истёк")
	default:
		writeError(w, http.StatusInternalServerError, "Не удалось удалить файл")
	}
}
