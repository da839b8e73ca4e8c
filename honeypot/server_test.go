package honeypot

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisnet/aegis/geofence"
)

type recordSink struct {
	mu     sync.Mutex
	events []ConnectionEvent
}

func (s *recordSink) Alert(ev ConnectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) Events() []ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionEvent(nil), s.events...)
}

type peerConn struct {
	net.Conn
	remote net.Addr
}

func (c peerConn) RemoteAddr() net.Addr {
	return c.remote
}

func newGeofence(prefixes ...string) *geofence.Matcher {
	m := geofence.NewMatcher(geofence.Config{})
	var ps []netip.Prefix
	for _, p := range prefixes {
		ps = append(ps, netip.MustParsePrefix(p))
	}
	m.Replace(ps, time.Now())
	return m
}

func newTestServer(t *testing.T, config Config) (*Server, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	config.Sink = sink
	s, err := NewServer(config)
	require.NoError(t, err)
	return s, sink
}

// dialFrom runs the handler on one end of a pipe that reports peer as its
// remote address, and returns everything the handler wrote.
func dialFrom(t *testing.T, s *Server, peer string) string {
	t.Helper()
	client, server := net.Pipe()
	ap := netip.MustParseAddrPort(peer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handle(peerConn{Conn: server, remote: net.TCPAddrFromAddrPort(ap)})
	}()
	data, err := io.ReadAll(client)
	require.NoError(t, err)
	<-done
	return string(data)
}

func TestHandle_Target(t *testing.T) {
	s, sink := newTestServer(t, Config{Classifier: newGeofence("9.9.9.0/24")})

	resp := dialFrom(t, s, "9.9.9.1:40000")
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.Contains(t, resp, "Content-Type: text/plain\r\n")
	_, body, found := strings.Cut(resp, "\r\n\r\n")
	require.True(t, found)
	assert.Equal(t, DefaultMessage, body)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "9.9.9.1", events[0].Peer.Addr().String())
	assert.True(t, events[0].Matched)
	assert.NotZero(t, events[0].ID)
	assert.False(t, events[0].Time.IsZero())
}

func TestHandle_NotTarget(t *testing.T) {
	s, sink := newTestServer(t, Config{Classifier: newGeofence("9.9.9.0/24")})

	assert.Empty(t, dialFrom(t, s, "8.8.8.8:40000"))
	assert.Empty(t, sink.Events())
}

func TestHandle_IPv6Ignored(t *testing.T) {
	s, sink := newTestServer(t, Config{Classifier: newGeofence("9.9.9.0/24")})

	assert.Empty(t, dialFrom(t, s, "[2001:db8::1]:40000"))
	assert.Empty(t, sink.Events())
}

func TestHandle_MappedIPv4(t *testing.T) {
	s, sink := newTestServer(t, Config{Classifier: newGeofence("9.9.9.0/24")})

	assert.NotEmpty(t, dialFrom(t, s, "[::ffff:9.9.9.9]:40000"))
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, "9.9.9.9", sink.Events()[0].Peer.Addr().String())
}

func TestHandle_SetMessage(t *testing.T) {
	s, _ := newTestServer(t, Config{Classifier: newGeofence("9.9.9.0/24"), Message: "go away"})
	assert.True(t, strings.HasSuffix(dialFrom(t, s, "9.9.9.1:1"), "\r\n\r\ngo away"))

	s.SetMessage("still here?")
	assert.True(t, strings.HasSuffix(dialFrom(t, s, "9.9.9.1:1"), "\r\n\r\nstill here?"))

	s.SetMessage("")
	assert.Equal(t, DefaultMessage, s.Message())
}

func TestHandle_Rule(t *testing.T) {
	rule, err := CompileRule(`target || cidr(ip, "8.8.8.0/24")`)
	require.NoError(t, err)
	s, sink := newTestServer(t, Config{Classifier: newGeofence("9.9.9.0/24"), Rule: rule})

	assert.NotEmpty(t, dialFrom(t, s, "8.8.8.8:1"))
	assert.NotEmpty(t, dialFrom(t, s, "9.9.9.1:1"))
	assert.Empty(t, dialFrom(t, s, "1.1.1.1:1"))
	assert.Len(t, sink.Events(), 2)
}

func TestServe_EndToEnd(t *testing.T) {
	testCases := map[string]struct {
		prefix   string
		maxConns int64
		decoy    bool
	}{
		"target":           {prefix: "127.0.0.0/8", decoy: true},
		"target bounded":   {prefix: "127.0.0.0/8", maxConns: 1, decoy: true},
		"not target":       {prefix: "9.9.9.0/24"},
		"not target bound": {prefix: "9.9.9.0/24", maxConns: 1},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			s, sink := newTestServer(t, Config{
				Listen:     "127.0.0.1:0",
				Classifier: newGeofence(tc.prefix),
				MaxConns:   tc.maxConns,
			})
			require.NoError(t, s.Listen())

			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() { served <- s.Serve(ctx) }()

			for i := 0; i < 3; i++ {
				conn, err := net.Dial("tcp", s.Addr().String())
				require.NoError(t, err)
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				data, err := io.ReadAll(conn)
				require.NoError(t, err)
				_ = conn.Close()

				if tc.decoy {
					assert.True(t, strings.HasPrefix(string(data), "HTTP/1.1 200 OK\r\n"))
				} else {
					assert.Empty(t, data)
				}
			}

			cancel()
			select {
			case err := <-served:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Serve did not return after cancel")
			}

			events := sink.Events()
			if tc.decoy {
				require.Len(t, events, 3)
				for _, ev := range events {
					assert.Equal(t, "127.0.0.1", ev.Peer.Addr().String())
				}
			} else {
				assert.Empty(t, events)
			}
		})
	}
}

func TestListen_BindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	s, _ := newTestServer(t, Config{Listen: taken.Addr().String(), Classifier: newGeofence()})
	err = s.ListenAndServe(context.Background())

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, taken.Addr().String(), bindErr.Addr)
	assert.Contains(t, err.Error(), "address already in use")
}

func TestNewServer_Invalid(t *testing.T) {
	_, err := NewServer(Config{Sink: &recordSink{}})
	assert.Error(t, err)
	_, err = NewServer(Config{Classifier: newGeofence()})
	assert.Error(t, err)
	_, err = NewServer(Config{Classifier: newGeofence(), Sink: &recordSink{}, NodeID: 4096})
	assert.Error(t, err)
}

func TestServe_BeforeListen(t *testing.T) {
	s, _ := newTestServer(t, Config{Classifier: newGeofence()})
	assert.Error(t, s.Serve(context.Background()))
	assert.Nil(t, s.Addr())
}
