package extraction

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// StagingConfig tunes the corroboration staging area.
type StagingConfig struct {
	// Retention is how long a staged candidate waits for
	// corroboration before it is discarded.
	Retention time.Duration `koanf:"retention"`

	// MaxEntries bounds the staging area; the oldest entry is evicted
	// when full.
	MaxEntries int `koanf:"max_entries"`

	// AutoPromote releases candidates that reach MinCorroborations
	// within the retention window. Off by default: promotion is a
	// write to long-term knowledge and operators opt into it.
	AutoPromote bool `koanf:"auto_promote"`

	// MinCorroborations is the number of independent observations a
	// staged candidate needs before promotion.
	MinCorroborations int `koanf:"min_corroborations"`
}

// ApplyDefaults fills unset fields.
func (c *StagingConfig) ApplyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.MinCorroborations < 2 {
		c.MinCorroborations = 2
	}
}

type stagedEntry struct {
	candidate Candidate
	firstSeen time.Time
	count     int
}

// Staging holds sub-floor candidates awaiting corroboration. Entries
// are keyed by the record's conflict scope plus its normalized
// statement, so independent re-extractions of the same claim count as
// corroboration while rephrasings of the scope do not collide.
type Staging struct {
	mu      sync.Mutex
	entries map[string]*stagedEntry
	order   []string
	config  StagingConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewStaging builds a staging area.
func NewStaging(cfg StagingConfig, logger *zap.Logger) *Staging {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Staging{
		entries: make(map[string]*stagedEntry),
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Offer stages a candidate or corroborates an existing entry. When
// auto-promotion is enabled and the corroboration threshold is met
// within the retention window, the promoted candidate is returned with
// ok true and removed from staging.
func (s *Staging) Offer(c Candidate) (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	key := string(c.Record.NodeID())
	entry, exists := s.entries[key]
	if !exists {
		if len(s.order) >= s.config.MaxEntries {
			s.evictOldestLocked()
		}
		s.entries[key] = &stagedEntry{candidate: c, firstSeen: now, count: 1}
		s.order = append(s.order, key)
		return Candidate{}, false
	}

	entry.count++
	if entry.candidate.Record.Confidence < c.Record.Confidence {
		entry.candidate = c
	}
	if !s.config.AutoPromote || entry.count < s.config.MinCorroborations {
		return Candidate{}, false
	}

	s.removeLocked(key)
	s.logger.Info("staged candidate promoted",
		zap.String("key", entry.candidate.Record.Key),
		zap.Int("corroborations", entry.count))
	return entry.candidate, true
}

// Pending returns the number of staged candidates after expiring stale
// entries.
func (s *Staging) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.entries)
}

func (s *Staging) sweepLocked(now time.Time) {
	cutoff := now.Add(-s.config.Retention)
	for key, entry := range s.entries {
		if entry.firstSeen.Before(cutoff) {
			s.removeLocked(key)
		}
	}
}

func (s *Staging) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	s.removeLocked(s.order[0])
}

func (s *Staging) removeLocked(key string) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
