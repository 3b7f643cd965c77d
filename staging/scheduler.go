package staging

import (
	"time"
)

// scheduler держит по одному отложенному удалению на Pending-запись.
// Таймер захватывает поколение записи: отмена увеличивает поколение, и
// опоздавший колбэк превращается в пустую операцию.
type scheduler struct {
	ttl  time.Duration
	fire func(r *reservation, gen uint64)
}

// arm вызывается только под table.mu.
func (s *scheduler) arm(r *reservation) {
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(s.ttl, func() {
		s.fire(r, gen)
	})
}
