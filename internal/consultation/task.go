package consultation

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// task is a cancellable one-shot timer callback driven by a clockwork clock.
type task struct {
	timer clockwork.Timer
	stop  chan struct{}
	once  sync.Once
}

func schedule(clock clockwork.Clock, d time.Duration, fn func()) *task {
	t := &task{timer: clock.NewTimer(d), stop: make(chan struct{})}
	go func() {
		select {
		case <-t.timer.Chan():
			fn()
		case <-t.stop:
		}
	}()
	return t
}

// Cancel stops the task. A callback whose timer already fired may still run,
// so callbacks must re-check their preconditions.
func (t *task) Cancel() {
	t.once.Do(func() {
		t.timer.Stop()
		close(t.stop)
	})
}
