package pipeline

import (
	"sync"

	"github.com/sells-group/parcel-cli/internal/model"
)

// Tracker keeps the latest progress snapshot of a run for polling callers.
type Tracker struct {
	mu   sync.RWMutex
	last model.Progress
	seen bool
}

// Update records p. It satisfies model.ProgressFunc.
func (t *Tracker) Update(p model.Progress) {
	t.mu.Lock()
	t.last = p
	t.seen = true
	t.mu.Unlock()
}

// Snapshot returns the latest progress and whether any was recorded.
func (t *Tracker) Snapshot() (model.Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, t.seen
}

// Chain returns a ProgressFunc calling each non-nil fn in order.
func Chain(fns ...model.ProgressFunc) model.ProgressFunc {
	var live []model.ProgressFunc
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(p model.Progress) {
		for _, fn := range live {
			fn(p)
		}
	}
}
