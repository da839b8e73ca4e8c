package geofence

import (
	"context"
	"time"
)

// Source fetches the raw prefix list from its origin.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Cache persists the most recently fetched list verbatim.
type Cache interface {
	// Load returns the cached list and the time it was fetched.
	Load() ([]byte, time.Time, error)
	Store([]byte) error
}

// Logger is the logging interface for the matcher.
// Its methods must be safe for concurrent use.
type Logger interface {
	CacheLoaded(prefixes, skipped int, fetched time.Time)
	CacheError(err error)
	RefreshStart()
	RefreshDone(prefixes, skipped int)
	RefreshError(err error)
}

type nopLogger struct{}

func (nopLogger) CacheLoaded(int, int, time.Time) {}
func (nopLogger) CacheError(error) {}
func (nopLogger) RefreshStart() {}
func (nopLogger) RefreshDone(int, int) {}
func (nopLogger) RefreshError(error) {}
