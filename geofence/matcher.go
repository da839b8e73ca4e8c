package geofence

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultURL      = "https://raw.githubusercontent.com/herrbischoff/country-ip-blocks/master/ipv4/il.cidr"
	DefaultInterval = 24 * time.Hour

	defaultCheckInterval = time.Hour
)

var ErrEmptyList = errors.New("geofence list contains no valid prefixes")

// Snapshot is an immutable set of prefixes together with the time it was
// fetched. A zero Fetched means the set was never fetched.
//
// Lookups are a linear scan over Prefixes. This is fine for a single
// country's list (a few thousand entries) but does not scale to full
// routing tables.
type Snapshot struct {
	Prefixes []netip.Prefix
	Fetched  time.Time

	cache *lru.Cache[netip.Addr, bool]
}

func newSnapshot(prefixes []netip.Prefix, fetched time.Time, cacheSize int) *Snapshot {
	s := &Snapshot{Prefixes: prefixes, Fetched: fetched}
	if cacheSize > 0 {
		// Only fails for a non-positive size.
		s.cache, _ = lru.New[netip.Addr, bool](cacheSize)
	}
	return s
}

// Contains reports whether addr lies in any prefix. Only IPv4 addresses
// can match; IPv4-mapped IPv6 addresses must be unmapped by the caller.
func (s *Snapshot) Contains(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(addr); ok {
			return v
		}
	}
	found := false
	for _, p := range s.Prefixes {
		if p.Contains(addr) {
			found = true
			break
		}
	}
	if s.cache != nil {
		s.cache.Add(addr, found)
	}
	return found
}

type Config struct {
	Source Source
	Cache  Cache
	Logger Logger

	// Interval is the maximum age of the set before it is refetched.
	Interval time.Duration
	// CheckInterval is how often the age is checked while running.
	CheckInterval time.Duration
	// CacheSize is the number of lookup results kept per snapshot.
	// Zero disables the lookup cache.
	CacheSize int
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}

// Matcher owns the geofence set. Readers always see a complete snapshot:
// a refresh builds the new set aside and swaps it in with one pointer store.
type Matcher struct {
	config     Config
	snapshot   atomic.Pointer[Snapshot]
	refreshing atomic.Bool
	now        func() time.Time
}

func NewMatcher(config Config) *Matcher {
	config.fillDefaults()
	m := &Matcher{config: config, now: time.Now}
	m.snapshot.Store(newSnapshot(nil, time.Time{}, config.CacheSize))
	return m
}

// Snapshot returns the current set. It must not be modified.
func (m *Matcher) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// IsTarget reports whether addr belongs to the geofence.
func (m *Matcher) IsTarget(addr netip.Addr) bool {
	return m.snapshot.Load().Contains(addr)
}

// Replace swaps in a new set fetched at the given time.
func (m *Matcher) Replace(prefixes []netip.Prefix, fetched time.Time) {
	m.snapshot.Store(newSnapshot(prefixes, fetched, m.config.CacheSize))
}

// Stale reports whether the set is older than the refresh interval,
// or was never fetched.
func (m *Matcher) Stale() bool {
	fetched := m.snapshot.Load().Fetched
	return fetched.IsZero() || m.now().Sub(fetched) > m.config.Interval
}

// Load populates the set from the cache, so lookups work before
// the first refresh completes.
func (m *Matcher) Load() error {
	if m.config.Cache == nil {
		return nil
	}
	data, fetched, err := m.config.Cache.Load()
	if err != nil {
		m.config.Logger.CacheError(err)
		return err
	}
	prefixes, skipped := Parse(data)
	if len(prefixes) == 0 {
		// Keep the never-fetched snapshot so the next check refreshes.
		m.config.Logger.CacheError(ErrEmptyList)
		return ErrEmptyList
	}
	m.Replace(prefixes, fetched)
	m.config.Logger.CacheLoaded(len(prefixes), skipped, fetched)
	return nil
}

// Initialize loads the cache, if any, and starts refreshing in the background
// until ctx is cancelled. It does not block on the network.
func (m *Matcher) Initialize(ctx context.Context) {
	_ = m.Load()
	go m.run(ctx)
}

func (m *Matcher) run(ctx context.Context) {
	_, _ = m.RefreshIfStale(ctx)
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.RefreshIfStale(ctx)
		}
	}
}

// RefreshIfStale refreshes the set if Stale reports true.
// It returns whether a refresh was attempted.
func (m *Matcher) RefreshIfStale(ctx context.Context) (bool, error) {
	if !m.Stale() {
		return false, nil
	}
	return true, m.Refresh(ctx)
}

// Refresh fetches the list, writes it to the cache and swaps in the new set.
// On any fetch error the current set and its timestamp are kept.
// Only the source's own timeout bounds the fetch; cancelling ctx does not
// abort a refresh already in progress. Concurrent calls are coalesced.
func (m *Matcher) Refresh(ctx context.Context) error {
	if !m.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.refreshing.Store(false)

	m.config.Logger.RefreshStart()
	data, err := m.config.Source.Fetch(context.WithoutCancel(ctx))
	if err != nil {
		m.config.Logger.RefreshError(err)
		return err
	}
	prefixes, skipped := Parse(data)
	if len(prefixes) == 0 {
		m.config.Logger.RefreshError(ErrEmptyList)
		return ErrEmptyList
	}
	if m.config.Cache != nil {
		if err := m.config.Cache.Store(data); err != nil {
			m.config.Logger.CacheError(err)
		}
	}
	m.Replace(prefixes, m.now())
	m.config.Logger.RefreshDone(len(prefixes), skipped)
	return nil
}
