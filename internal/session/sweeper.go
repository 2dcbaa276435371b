package session

import (
	"log/slog"
	"time"
)

// DefaultTTL is how long finished sessions stay queryable.
const DefaultTTL = 30 * time.Minute

// Target is anything the sweeper can purge.
type Target interface {
	Sweep(ttl time.Duration) int
}

// Sweeper purges finished sessions from one or more registries. It has no
// timer of its own; the caller schedules Sweep.
type Sweeper struct {
	TTL     time.Duration
	Targets map[string]Target
	Logger  *slog.Logger
}

// Sweep runs one pass over every target and returns the number of removed
// sessions.
func (s *Sweeper) Sweep() int {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	total := 0
	for name, t := range s.Targets {
		n := t.Sweep(ttl)
		if n > 0 {
			logger.Debug("swept sessions", "registry", name, "removed", n)
		}
		total += n
	}
	return total
}
