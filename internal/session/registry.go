package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/qbank/internal/model"
)

// Registry is the process-wide view of running sessions. Any number of
// goroutines may read; each session is expected to have one writer.
type Registry[S any] struct {
	store Store[S]
	now   func() time.Time

	mu   sync.Mutex
	subs map[string]map[chan Snapshot[S]]struct{}
}

// NewRegistry returns a registry over store. A nil now uses time.Now.
func NewRegistry[S any](store Store[S], now func() time.Time) *Registry[S] {
	if now == nil {
		now = time.Now
	}
	return &Registry[S]{
		store: store,
		now:   now,
		subs:  make(map[string]map[chan Snapshot[S]]struct{}),
	}
}

// Create registers a new session. An empty initial.ID gets a random one.
func (r *Registry[S]) Create(initial Snapshot[S]) (Snapshot[S], error) {
	if initial.ID == "" {
		initial.ID = uuid.NewString()
	}
	now := r.now()
	initial.CreatedAt = now
	initial.LastUpdated = now
	initial.Progress = clamp(initial.Progress)
	if initial.Logs == nil {
		initial.Logs = []string{}
	}
	if err := r.store.Create(initial); err != nil {
		return Snapshot[S]{}, err
	}
	return initial.clone(), nil
}

// Get returns the current snapshot or model.ErrSessionNotFound.
func (r *Registry[S]) Get(id string) (Snapshot[S], error) {
	s, ok := r.store.Get(id)
	if !ok {
		return Snapshot[S]{}, model.ErrSessionNotFound
	}
	return s, nil
}

// Update applies patch, appends logLine when non-empty and refreshes
// LastUpdated.
func (r *Registry[S]) Update(id string, patch Patch[S], logLine string) (Snapshot[S], error) {
	now := r.now()
	s, err := r.store.Update(id, func(s *Snapshot[S]) {
		patch.apply(s)
		if logLine != "" {
			s.Logs = append(s.Logs, logLine)
		}
		s.LastUpdated = now
	})
	if err != nil {
		return s, err
	}
	r.notify(s)
	return s, nil
}

// Cancel sets the cancellation flag. It returns false without error when the
// session already reached a terminal phase.
func (r *Registry[S]) Cancel(id string) (bool, error) {
	changed := false
	now := r.now()
	s, err := r.store.Update(id, func(s *Snapshot[S]) {
		if s.Phase.Terminal() || s.Cancelled {
			return
		}
		s.Cancelled = true
		s.LastUpdated = now
		changed = true
	})
	if err != nil {
		return false, err
	}
	if changed {
		r.notify(s)
	}
	return changed, nil
}

// Cancelled reports whether the session was cancelled. Unknown sessions
// count as cancelled so orphaned workers stop.
func (r *Registry[S]) Cancelled(id string) bool {
	s, ok := r.store.Get(id)
	return !ok || s.Cancelled
}

// Delete removes a session and closes its subscriptions.
func (r *Registry[S]) Delete(id string) {
	r.store.Delete(id)
	r.closeSubs(id)
}

// Sweep drops sessions that reached a terminal phase more than ttl ago.
func (r *Registry[S]) Sweep(ttl time.Duration) int {
	removed := r.store.Sweep(r.now().Add(-ttl))
	for _, id := range removed {
		r.closeSubs(id)
	}
	return len(removed)
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only see the most recent state. The channel is closed
// by unsubscribe or when the session is removed.
func (r *Registry[S]) Subscribe(id string) (<-chan Snapshot[S], func()) {
	ch := make(chan Snapshot[S], 1)
	r.mu.Lock()
	if r.subs[id] == nil {
		r.subs[id] = make(map[chan Snapshot[S]]struct{})
	}
	r.subs[id][ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if set, ok := r.subs[id]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(r.subs, id)
				}
			}
		})
	}
}

func (r *Registry[S]) notify(s Snapshot[S]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs[s.ID] {
		select {
		case ch <- s.clone():
		default:
			// Replace the stale pending snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s.clone():
			default:
			}
		}
	}
}

func (r *Registry[S]) closeSubs(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs[id] {
		close(ch)
	}
	delete(r.subs, id)
}
