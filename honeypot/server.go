package honeypot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

const (
	DefaultListen  = "0.0.0.0:7878"
	DefaultMessage = "ACCESS DENIED: Tracking Attempt Detected."

	defaultWriteTimeout = 10 * time.Second
	acceptRetryDelay    = 50 * time.Millisecond
)

// BindError is returned when the listening socket can't be acquired.
// It only stops the honeypot; the rest of the process keeps running.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	if errors.Is(e.Err, unix.EADDRINUSE) {
		return fmt.Sprintf("honeypot can't bind %s: address already in use", e.Addr)
	}
	return fmt.Sprintf("honeypot can't bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

type Config struct {
	Listen     string
	Message    string
	Classifier Classifier
	Sink       AlertSink
	Logger     Logger
	// Rule overrides the plain geofence verdict if set.
	Rule *Rule
	// MaxConns caps the number of connections handled at once.
	// Zero means no limit: every accepted connection gets its own goroutine.
	MaxConns     int64
	WriteTimeout time.Duration
	// NodeID seeds the event ID generator, 0-1023.
	NodeID int64
}

func (c *Config) fillDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Message == "" {
		c.Message = DefaultMessage
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// Server accepts connections, classifies each peer against the geofence,
// and answers targets with a decoy response while raising an alert.
// Everything else gets no response at all.
type Server struct {
	config  Config
	node    *snowflake.Node
	gate    *semaphore.Weighted
	message atomic.Pointer[string]

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(config Config) (*Server, error) {
	config.fillDefaults()
	if config.Classifier == nil {
		return nil, errors.New("honeypot: no classifier")
	}
	if config.Sink == nil {
		return nil, errors.New("honeypot: no alert sink")
	}
	node, err := snowflake.NewNode(config.NodeID)
	if err != nil {
		return nil, err
	}
	s := &Server{config: config, node: node}
	if config.MaxConns > 0 {
		s.gate = semaphore.NewWeighted(config.MaxConns)
	}
	s.SetMessage(config.Message)
	return s, nil
}

// SetMessage changes the decoy body for subsequent connections.
func (s *Server) SetMessage(msg string) {
	if msg == "" {
		msg = DefaultMessage
	}
	s.message.Store(&msg)
}

func (s *Server) Message() string {
	return *s.message.Load()
}

// Listen binds the listening socket. It returns a *BindError on failure.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return &BindError{Addr: s.config.Listen, Err: err}
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the server is closed.
// Accept errors are logged and do not stop the loop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("honeypot: Serve called before Listen")
	}
	s.config.Logger.ServerStart(ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				s.config.Logger.ServerStop(nil)
				return nil
			}
			s.config.Logger.AcceptError(err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		if s.gate != nil {
			if err := s.gate.Acquire(ctx, 1); err != nil {
				_ = conn.Close()
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.gate != nil {
				defer s.gate.Release(1)
			}
			s.handle(conn)
		}()
	}
}

// ListenAndServe binds and serves. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		s.config.Logger.ServerStop(err)
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handle owns conn and always closes it, whatever the verdict.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	peer := addrPortOf(conn.RemoteAddr())
	if !peer.Addr().Is4() {
		return
	}
	ev := ConnectionEvent{
		ID:   s.node.Generate().Int64(),
		Peer: peer,
		Time: time.Now(),
	}
	ev.Matched = s.classify(ev)
	s.config.Logger.ConnectionNew(ev)
	if !ev.Matched {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := conn.Write(DecoyResponse(s.Message())); err != nil {
		s.config.Logger.WriteError(ev, err)
		return
	}
	s.config.Sink.Alert(ev)
}

func (s *Server) classify(ev ConnectionEvent) bool {
	target := s.config.Classifier.IsTarget(ev.Peer.Addr())
	if s.config.Rule == nil {
		return target
	}
	ok, err := s.config.Rule.Match(ev.Peer, target)
	if err != nil {
		s.config.Logger.RuleError(ev, err)
		return target
	}
	return ok
}

// addrPortOf converts the peer address of an accepted connection,
// unmapping IPv4-mapped IPv6 addresses from dual-stack sockets.
// Anything that is not TCP yields an invalid AddrPort.
func addrPortOf(addr net.Addr) netip.AddrPort {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp == nil {
		return netip.AddrPort{}
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// DecoyResponse is a minimal well-formed HTTP response carrying msg.
func DecoyResponse(msg string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(msg), msg))
}
