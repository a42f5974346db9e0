// Package topocache keeps an in-memory snapshot of the active fleet and
// network topology so a detection cycle never queries storage per train.
//
// The snapshot is immutable; refresh builds a new one and swaps the
// pointer atomically. Readers take their own handle for the duration of
// a cycle, so a mid-cycle refresh is safe and lock-free.
package topocache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/railsignal/railwatch/internal/monitoring"
	"github.com/railsignal/railwatch/internal/rail"
)

// Loader is the storage dependency of the cache.
type Loader interface {
	LoadTrains(ctx context.Context) ([]rail.Train, error)
	LoadSections(ctx context.Context) ([]rail.Section, error)
}

// Snapshot is one immutable view of the fleet and topology.
type Snapshot struct {
	trains   map[int64]rail.Train
	sections map[int64]rail.Section
	ordered  []rail.Train
	LoadedAt time.Time
}

// NewSnapshot builds a snapshot from loaded entities. Exposed so tests
// and pure detector functions can construct views directly.
func NewSnapshot(trains []rail.Train, sections []rail.Section, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		trains:   make(map[int64]rail.Train, len(trains)),
		sections: make(map[int64]rail.Section, len(sections)),
		ordered:  append([]rail.Train(nil), trains...),
		LoadedAt: loadedAt,
	}
	for _, t := range trains {
		s.trains[t.ID] = t
	}
	for _, sec := range sections {
		s.sections[sec.ID] = sec
	}
	return s
}

// Train returns the train with the given ID, if present.
func (s *Snapshot) Train(id int64) (rail.Train, bool) {
	t, ok := s.trains[id]
	return t, ok
}

// Section returns the section with the given ID, if present.
func (s *Snapshot) Section(id int64) (rail.Section, bool) {
	sec, ok := s.sections[id]
	return sec, ok
}

// ActiveTrains returns the trains in stable ID order.
func (s *Snapshot) ActiveTrains() []rail.Train {
	return s.ordered
}

// TrainCount returns the number of trains in the snapshot.
func (s *Snapshot) TrainCount() int { return len(s.ordered) }

// SectionCount returns the number of sections in the snapshot.
func (s *Snapshot) SectionCount() int { return len(s.sections) }

// Cache serves O(1) lookups of active trains and sections, refreshed on
// a TTL. Reload failures retain the previous snapshot: availability over
// freshness.
type Cache struct {
	loader Loader
	ttl    time.Duration

	snap           atomic.Pointer[Snapshot]
	expiry         atomic.Int64 // unix nanos
	group          singleflight.Group
	reloadFailures atomic.Int64
}

// New creates a cache over the given loader with the given TTL.
func New(loader Loader, ttl time.Duration) *Cache {
	return &Cache{loader: loader, ttl: ttl}
}

// EnsureFresh reloads the snapshot when the TTL has lapsed. Concurrent
// callers share one in-flight refresh. When a reload fails but a
// previous snapshot exists, the stale snapshot is retained and no error
// is returned; the failure is logged and counted.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	if time.Now().UnixNano() <= c.expiry.Load() && c.snap.Load() != nil {
		return nil
	}
	_, err, _ := c.group.Do("reload", func() (interface{}, error) {
		return nil, c.reload(ctx)
	})
	return err
}

// ForceRefresh invalidates the cache immediately and reloads.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	c.expiry.Store(0)
	_, err, _ := c.group.Do("reload", func() (interface{}, error) {
		return nil, c.reload(ctx)
	})
	return err
}

func (c *Cache) reload(ctx context.Context) error {
	// re-check under the singleflight: a queued caller may arrive after
	// the winner already refreshed
	if time.Now().UnixNano() <= c.expiry.Load() && c.snap.Load() != nil {
		return nil
	}

	trains, err := c.loader.LoadTrains(ctx)
	if err != nil {
		return c.reloadFailed(fmt.Errorf("failed to load trains: %w", err))
	}
	sections, err := c.loader.LoadSections(ctx)
	if err != nil {
		return c.reloadFailed(fmt.Errorf("failed to load sections: %w", err))
	}

	now := time.Now()
	c.snap.Store(NewSnapshot(trains, sections, now))
	c.expiry.Store(now.Add(c.ttl).UnixNano())
	return nil
}

func (c *Cache) reloadFailed(err error) error {
	c.reloadFailures.Add(1)
	if c.snap.Load() != nil {
		monitoring.Logf("topocache: reload failed, retaining previous snapshot: %v", err)
		return nil
	}
	return err
}

// Snapshot returns the current snapshot, or nil before the first
// successful load. Callers must hold one handle per detection cycle.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Stats describes cache health.
type Stats struct {
	Trains         int       `json:"trains"`
	Sections       int       `json:"sections"`
	LoadedAt       time.Time `json:"loaded_at"`
	ReloadFailures int64     `json:"reload_failures"`
}

// Stats returns a health snapshot of the cache.
func (c *Cache) Stats() Stats {
	st := Stats{ReloadFailures: c.reloadFailures.Load()}
	if s := c.snap.Load(); s != nil {
		st.Trains = s.TrainCount()
		st.Sections = s.SectionCount()
		st.LoadedAt = s.LoadedAt
	}
	return st
}
