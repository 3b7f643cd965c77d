package staging

import (
	"errors"
	"fmt"
)

// ErrorReason: категория ошибки движка. Сравнивается через errors.Is.
type ErrorReason struct {
	reason string
	msg    string
}

func (e ErrorReason) Error() string {
	return e.msg
}

// Error описывает неудавшуюся операцию над конкретным ключом.
type Error struct {
	Reason ErrorReason
	Op     string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason.Error()
	if e.Key != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Key, msg)
	} else if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Is возвращает true, если совпадает Reason или обёрнутая ошибка.
func (e *Error) Is(target error) bool {
	if reason, ok := target.(ErrorReason); ok && reason == e.Reason {
		return true
	}
	return errors.Is(e.Err, target)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrNotFound: ключа нет в таблице (истёк, уже перенесён или не существовал).
	// Клиент должен загрузить файл заново.
	ErrNotFound = ErrorReason{"NotFound", "staged upload not found"}
	// ErrIO: запись, перенос или удаление файла не удались.
	ErrIO = ErrorReason{"IOError", "staging i/o failure"}
	// ErrInvalid: ключ или расширение не прошли проверку.
	ErrInvalid = ErrorReason{"Invalid", "invalid staging key"}
	// ErrClosed: движок уже остановлен.
	ErrClosed = ErrorReason{"Closed", "staging engine is closed"}

	// errRaceLost никогда не уходит наружу: таймер сработал после Promote/Discard.
	errRaceLost = ErrorReason{"RaceLost", "reservation already settled"}
	// errKeyCollision: генератор выдал ключ, который ещё жив.
	errKeyCollision = errors.New("key collision")
)

func newError(reason ErrorReason, op, key string, err error) *Error {
	return &Error{Reason: reason, Op: op, Key: key, Err: err}
}
