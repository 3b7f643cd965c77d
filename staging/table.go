package staging

import (
	"sync"
	"time"
)

// State: стадия жизни резервации. Всё, кроме Pending, терминально.
type State int

const (
	StatePending State = iota
	StatePromoted
	StateDiscarded
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePromoted:
		return "promoted"
	case StateDiscarded:
		return "discarded"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// StagedUpload: снимок резервации.
type StagedUpload struct {
	Key         string
	StagingPath string
	Size        int64
	CreatedAt   time.Time
	TTL         time.Duration
	State       State
}

func (u StagedUpload) ExpiresAt() time.Time {
	return u.CreatedAt.Add(u.TTL)
}

func (u StagedUpload) URL() string {
	return URL(u.Key)
}

// reservation живёт в таблице, пока она Pending. Поля state, gen и timer
// меняются только под table.mu.
type reservation struct {
	upload StagedUpload
	gen    uint64
	timer  *time.Timer
}

// table хранит единственную правду о том, что ждёт подтверждения.
// Все переходы состояний ключа проходят через mu.
type table struct {
	mu      sync.Mutex
	entries map[string]*reservation
	closed  bool
}

func newTable() *table {
	return &table{entries: make(map[string]*reservation)}
}

// insert кладёт r в таблицу и сразу взводит таймер, не отпуская блокировку:
// никто не увидит Pending-запись без таймера. Отсчёт TTL начинается здесь.
func (t *table) insert(r *reservation, s *scheduler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newError(ErrClosed, "stage", r.upload.Key, nil)
	}
	if _, exists := t.entries[r.upload.Key]; exists {
		return newError(ErrIO, "stage", r.upload.Key, errKeyCollision)
	}

	r.upload.State = StatePending
	r.upload.CreatedAt = time.Now()
	r.upload.TTL = s.ttl
	s.arm(r)
	t.entries[r.upload.Key] = r
	return nil
}

// take отменяет таймер и вынимает запись. После take файл принадлежит вызывающему.
func (t *table) take(op, key string) (*reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, newError(ErrClosed, op, key, nil)
	}
	r, ok := t.entries[key]
	if !ok {
		return nil, newError(ErrNotFound, op, key, nil)
	}

	// Stop может вернуть false, если колбэк уже запущен; он увидит сменившееся
	// поколение и ничего не сделает.
	r.timer.Stop()
	r.gen++
	delete(t.entries, key)
	return r, nil
}

// expire вызывается из сработавшего таймера. Возвращает errRaceLost, если
// запись уже снята или перевзведена.
func (t *table) expire(r *reservation, gen uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[r.upload.Key]
	if !ok || current != r || r.gen != gen || r.upload.State != StatePending {
		return errRaceLost
	}

	r.upload.State = StateExpired
	delete(t.entries, r.upload.Key)
	return nil
}

// settle фиксирует терминальное состояние записи, уже вынутой через take.
func (t *table) settle(r *reservation, state State) StagedUpload {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.upload.State = state
	return r.upload
}

func (t *table) lookup(key string) (StagedUpload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.entries[key]
	if !ok {
		return StagedUpload{}, false
	}
	return r.upload, true
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *table) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// close останавливает все таймеры и отдаёт оставшиеся записи на удаление.
func (t *table) close() ([]*reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false
	}
	t.closed = true

	drained := make([]*reservation, 0, len(t.entries))
	for key, r := range t.entries {
		r.timer.Stop()
		r.gen++
		r.upload.State = StateDiscarded
		drained = append(drained, r)
		delete(t.entries, key)
	}
	return drained, true
}
