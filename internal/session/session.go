// Package session tracks long-running background operations and exposes
// their progress to pollers and stream subscribers.
package session

import (
	"slices"
	"time"

	"github.com/pavelanni/qbank/internal/model"
)

// Snapshot is the observable state of one session. S carries the
// operation-specific stats.
type Snapshot[S any] struct {
	ID          string      `json:"id"`
	Progress    int         `json:"progress"`
	Phase       model.Phase `json:"phase"`
	Message     string      `json:"message"`
	Logs        []string    `json:"logs"`
	Stats       S           `json:"stats"`
	Cancelled   bool        `json:"cancelled"`
	Failed      bool        `json:"failed"`
	CreatedAt   time.Time   `json:"created_at"`
	LastUpdated time.Time   `json:"last_updated"`
}

// Done reports whether the session will not change any more. A cancelled
// session counts as done once its worker has acknowledged by reaching a
// terminal phase.
func (s Snapshot[S]) Done() bool {
	return s.Phase.Terminal()
}

// Sweepable reports whether the sweeper may drop the session. A cancelled
// session stays until its worker reaches a terminal phase, since a commit
// already under way keeps running.
func (s Snapshot[S]) Sweepable() bool {
	return s.Phase.Terminal()
}

func (s Snapshot[S]) clone() Snapshot[S] {
	s.Logs = slices.Clone(s.Logs)
	return s
}

// Patch replaces the non-nil fields of a snapshot.
type Patch[S any] struct {
	Progress *int
	Phase    *model.Phase
	Message  *string
	Stats    *S
	Failed   *bool
}

func (p Patch[S]) apply(s *Snapshot[S]) {
	if p.Progress != nil {
		s.Progress = clamp(*p.Progress)
	}
	if p.Phase != nil {
		s.Phase = *p.Phase
	}
	if p.Message != nil {
		s.Message = *p.Message
	}
	if p.Stats != nil {
		s.Stats = *p.Stats
	}
	if p.Failed != nil {
		s.Failed = *p.Failed
	}
}

func clamp(p int) int {
	return max(0, min(100, p))
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Store holds session snapshots. Implementations must be safe for
// concurrent use.
type Store[S any] interface {
	Create(s Snapshot[S]) error
	Get(id string) (Snapshot[S], bool)
	// Update applies fn to the stored snapshot under the store's lock and
	// returns the result.
	Update(id string, fn func(*Snapshot[S])) (Snapshot[S], error)
	Delete(id string)
	// Sweep deletes sweepable sessions last updated before cutoff and
	// returns their ids.
	Sweep(cutoff time.Time) []string
}
