package honeypot

import (
	"net/netip"
	"time"
)

// ConnectionEvent describes one classified connection. It is handed to
// the alert sink and not kept afterwards.
type ConnectionEvent struct {
	ID      int64          `json:"id"`
	Peer    netip.AddrPort `json:"peer"`
	Matched bool           `json:"matched"`
	Time    time.Time      `json:"time"`
}

// Classifier decides whether an IPv4 address belongs to the geofence.
// It must be safe for concurrent use.
type Classifier interface {
	IsTarget(netip.Addr) bool
}

// AlertSink receives an event for every decoyed connection.
// Alert must be safe for concurrent use and should not block.
type AlertSink interface {
	Alert(ConnectionEvent)
}

// Logger is the logging interface for the server.
type Logger interface {
	ServerStart(addr string)
	ServerStop(err error)
	AcceptError(err error)
	ConnectionNew(ev ConnectionEvent)
	RuleError(ev ConnectionEvent, err error)
	WriteError(ev ConnectionEvent, err error)
}

type nopLogger struct{}

func (nopLogger) ServerStart(string) {}
func (nopLogger) ServerStop(error) {}
func (nopLogger) AcceptError(error) {}
func (nopLogger) ConnectionNew(ConnectionEvent) {}
func (nopLogger) RuleError(ConnectionEvent, error) {}
func (nopLogger) WriteError(ConnectionEvent, error) {}
