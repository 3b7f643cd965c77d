// Package staging хранит аватары, загруженные до того, как появилась запись
// владельца. Файл лежит во временном каталоге ограниченное время и либо
// переносится в постоянное хранилище (Promote), либо удаляется по таймеру с
// уведомлением подключённых клиентов.
package staging

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTTL: сколько живёт неподтверждённая загрузка.
const DefaultTTL = 30 * time.Second

// EventFileDeleted: единственный тип уведомления.
const EventFileDeleted = "FILE_DELETED"

// Event рассылается наблюдателям после удаления файла по таймеру.
type Event struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// Notifier получает события об истёкших загрузках. Broadcast не должен блокироваться
// на медленных получателях и не возвращает ошибок.
type Notifier interface {
	Broadcast(event Event)
}

// NotifierFunc позволяет использовать обычную функцию как Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Broadcast(event Event) {
	f(event)
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(Event) {}

type options struct {
	ttl      time.Duration
	logger   *log.Logger
	notifier Notifier
	reg      prometheus.Registerer
	keyFunc  KeyFunc
	sweep    bool
}

// Option настраивает Engine.
type Option func(*options)

func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithRegisterer включает prometheus-метрики движка.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithKeyFunc подменяет генератор ключей.
func WithKeyFunc(f KeyFunc) Option {
	return func(o *options) {
		o.keyFunc = f
	}
}

// WithSweepOnStart управляет очисткой каталога в New. По умолчанию включена;
// отключать нужно, когда каталогом уже владеет работающий сервер.
func WithSweepOnStart(enabled bool) Option {
	return func(o *options) {
		o.sweep = enabled
	}
}

// Engine координирует каталог загрузок, таблицу резерваций, таймеры и уведомления.
// Создаётся один раз при старте и передаётся обработчикам явно.
type Engine struct {
	area     *Area
	stable   StableStore
	table    *table
	sched    *scheduler
	notifier Notifier
	logger   *log.Logger
	metrics  *engineMetrics
	keyFunc  KeyFunc
	ttl      time.Duration
}

// New создаёт движок и удаляет из area файлы, оставшиеся от прошлого запуска:
// резервации живут только в памяти, и такие файлы уже никто не подтвердит.
func New(area *Area, stable StableStore, opts ...Option) (*Engine, error) {
	o := options{
		ttl:      DefaultTTL,
		notifier: nopNotifier{},
		keyFunc:  NewKey,
		sweep:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return nil, newError(ErrInvalid, "new", "", errors.New("ttl must be positive"))
	}
	if o.logger == nil {
		o.logger = log.Default()
	}

	e := &Engine{
		area:     area,
		stable:   stable,
		table:    newTable(),
		notifier: o.notifier,
		logger:   o.logger,
		keyFunc:  o.keyFunc,
		ttl:      o.ttl,
	}
	e.sched = &scheduler{ttl: o.ttl, fire: e.evict}
	if o.reg != nil {
		e.metrics = newEngineMetrics(o.reg)
	}

	if !o.sweep {
		return e, nil
	}
	if n, err := e.Sweep(0); err != nil {
		e.logger.Warn("⚠️ Не удалось очистить каталог загрузок", "dir", area.Dir(), "error", err)
	} else if n > 0 {
		e.logger.Info("🧹 Удалены осиротевшие файлы", "count", n)
	}
	return e, nil
}

// TTL возвращает время жизни неподтверждённой загрузки.
func (e *Engine) TTL() time.Duration {
	return e.ttl
}

// Stage сохраняет data во временный каталог и взводит таймер удаления.
// При ошибке записи резервация не создаётся.
func (e *Engine) Stage(data []byte, originalExt string) (string, error) {
	key := e.keyFunc(NormalizeExt(originalExt))
	if err := validateKey(key); err != nil {
		recordFailure(e.metrics, OpStage)
		return "", err
	}

	path, err := e.area.Write(key, data)
	if err != nil {
		recordFailure(e.metrics, OpStage)
		e.logger.Error("❌ Ошибка записи временного файла", "key", key, "error", err)
		return "", newError(ErrIO, OpStage, key, err)
	}

	r := &reservation{upload: StagedUpload{
		Key:         key,
		StagingPath: path,
		Size:        int64(len(data)),
	}}
	if err := e.table.insert(r, e.sched); err != nil {
		recordFailure(e.metrics, OpStage)
		if errors.Is(err, errKeyCollision) {
			// Файл с этим ключом принадлежит живой записи, его не трогаем.
			e.logger.Error("❌ Коллизия ключа загрузки", "key", key)
			return "", err
		}
		_ = e.area.Remove(key)
		return "", err
	}

	recordTransition(e.metrics, StatePending)
	e.logger.Info("📥 Файл принят во временное хранилище",
		"key", key, "size", humanize.Bytes(uint64(len(data))), "ttl", e.ttl)
	return key, nil
}

// Promote переносит staged-файл в постоянное хранилище и возвращает его URL.
// nameHint (например, имя пользователя) становится префиксом имени файла.
//
// Таймер отменяется до переноса. Если перенос не удался и после повтора,
// резервация взводится заново, чтобы файл всё равно был убран, а вызывающий
// получает ErrIO и может повторить попытку.
func (e *Engine) Promote(key, nameHint string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	r, err := e.table.take(OpPromote, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.logger.Warn("⚠️ Временный файл не найден", "key", key)
		}
		return "", err
	}

	name := permanentName(key, nameHint)
	url, err := e.stable.Adopt(r.upload.StagingPath, name)
	if err != nil {
		e.logger.Warn("⚠️ Перенос не удался, повторяем", "key", key, "error", err)
		url, err = e.stable.Adopt(r.upload.StagingPath, name)
	}
	if err != nil {
		recordFailure(e.metrics, OpPromote)
		e.logger.Error("❌ Не удалось перенести файл в постоянное хранилище", "key", key, "error", err)
		e.rearm(r)
		return "", newError(ErrIO, OpPromote, key, err)
	}

	e.table.settle(r, StatePromoted)
	recordTransition(e.metrics, StatePromoted)
	e.logger.Info("✅ Файл перенесён в постоянное хранилище", "key", key, "url", url)
	return url, nil
}

// rearm возвращает вынутую запись в таблицу со свежим TTL. Используется, когда
// файл остался на диске после неудачного переноса или удаления.
func (e *Engine) rearm(r *reservation) {
	if err := e.table.insert(r, e.sched); err != nil {
		// Движок закрыт: доводим удаление до конца сами.
		if rmErr := e.area.Remove(r.upload.Key); rmErr != nil {
			e.logger.Error("❌ Временный файл остался на диске", "key", r.upload.Key, "error", rmErr)
		}
		e.table.settle(r, StateDiscarded)
		recordTransition(e.metrics, StateDiscarded)
	}
}

// Discard удаляет staged-файл по запросу клиента. Уведомление не отправляется.
func (e *Engine) Discard(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	r, err := e.table.take(OpDiscard, key)
	if err != nil {
		return err
	}

	if err := e.area.Remove(key); err != nil {
		// Файл остался на диске: запись возвращается в таблицу, таймер попробует снова.
		recordFailure(e.metrics, OpDiscard)
		e.logger.Error("❌ Не удалось удалить временный файл", "key", key, "error", err)
		e.rearm(r)
		return newError(ErrIO, OpDiscard, key, err)
	}

	e.table.settle(r, StateDiscarded)
	recordTransition(e.metrics, StateDiscarded)
	e.logger.Info("🗑️ Временный файл удалён по запросу", "key", key)
	return nil
}

// evict: колбэк таймера. Запись уже могла быть перенесена или удалена.
func (e *Engine) evict(r *reservation, gen uint64) {
	key := r.upload.Key
	if err := e.table.expire(r, gen); err != nil {
		e.logger.Debug("Таймер сработал для уже закрытой записи", "key", key, "reason", err)
		return
	}

	if err := e.area.Remove(key); err != nil {
		// Файл ещё на диске: взводим таймер заново и никого не уведомляем.
		recordFailure(e.metrics, OpEvict)
		e.logger.Error("❌ Не удалось удалить просроченный файл, повторим позже", "key", key, "error", err)
		e.rearm(r)
		return
	}

	recordTransition(e.metrics, StateExpired)
	e.logger.Info("⏰ Просроченный файл удалён", "key", key)
	e.notifier.Broadcast(Event{Type: EventFileDeleted, Filename: key})
}

// Lookup возвращает снимок живой резервации.
func (e *Engine) Lookup(key string) (StagedUpload, error) {
	if err := validateKey(key); err != nil {
		return StagedUpload{}, err
	}
	u, ok := e.table.lookup(key)
	if !ok {
		return StagedUpload{}, newError(ErrNotFound, "lookup", key, nil)
	}
	return u, nil
}

// Pending: число загрузок, ожидающих подтверждения.
func (e *Engine) Pending() int {
	return e.table.len()
}

// Sweep удаляет из каталога файлы без резервации, изменённые раньше чем olderThan назад.
// Порог защищает файлы, которые прямо сейчас записываются или переносятся.
func (e *Engine) Sweep(olderThan time.Duration) (int, error) {
	keys, err := e.area.stale(time.Now().Add(-olderThan))
	if err != nil {
		return 0, newError(ErrIO, "sweep", "", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, key := range keys {
		if e.table.has(key) {
			continue
		}
		if err := e.area.Remove(key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, newError(ErrIO, "sweep", "", errors.Join(errs...))
	}
	return removed, nil
}

// Close останавливает все таймеры и удаляет ещё не подтверждённые файлы без уведомлений.
// Повторный вызов возвращает ErrClosed.
func (e *Engine) Close() error {
	drained, ok := e.table.close()
	if !ok {
		return newError(ErrClosed, "close", "", nil)
	}

	var errs []error
	for _, r := range drained {
		recordTransition(e.metrics, StateDiscarded)
		if err := e.area.Remove(r.upload.Key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return newError(ErrIO, "close", "", errors.Join(errs...))
	}
	e.logger.Info("Хранилище временных загрузок остановлено", "discarded", len(drained))
	return nil
}
