package tor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControl accepts one connection, answers each line with the next
// reply, and returns every line it received.
func fakeControl(t *testing.T, replies ...string) (string, <-chan []string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	lines := make(chan []string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			lines <- nil
			return
		}
		defer conn.Close()
		var got []string
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				break
			}
			got = append(got, line)
			if len(replies) > 0 {
				_, _ = conn.Write([]byte(replies[0]))
				replies = replies[1:]
			}
		}
		lines <- got
	}()
	return l.Addr().String(), lines
}

func TestNewIdentity(t *testing.T) {
	addr, lines := fakeControl(t, "250 OK\r\n", "250 OK\r\n")
	c := &Controller{Addr: addr}
	require.NoError(t, c.NewIdentity(context.Background()))
	assert.Equal(t, []string{
		"AUTHENTICATE \"\"\r\n",
		"SIGNAL NEWNYM\r\n",
		"QUIT\r\n",
	}, <-lines)
}

func TestNewIdentity_Password(t *testing.T) {
	addr, lines := fakeControl(t, "250 OK\r\n", "250 OK\r\n")
	c := &Controller{Addr: addr, Password: `s3"cret`}
	require.NoError(t, c.NewIdentity(context.Background()))
	got := <-lines
	require.NotEmpty(t, got)
	assert.Equal(t, "AUTHENTICATE \"s3\\\"cret\"\r\n", got[0])
}

func TestNewIdentity_MultiLineReply(t *testing.T) {
	addr, _ := fakeControl(t, "250-extra\r\n250 OK\r\n", "250 OK\r\n")
	c := &Controller{Addr: addr}
	assert.NoError(t, c.NewIdentity(context.Background()))
}

func TestNewIdentity_Rejected(t *testing.T) {
	addr, _ := fakeControl(t, "515 Authentication failed\r\n")
	c := &Controller{Addr: addr}
	err := c.NewIdentity(context.Background())

	var ce *ControlError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "AUTHENTICATE", ce.Command)
	assert.Equal(t, "515 Authentication failed", ce.Reply)
}

func TestNewIdentity_Unavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := &Controller{Addr: addr, Timeout: time.Second}
	err = c.NewIdentity(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestTorrcBlock(t *testing.T) {
	block := TorrcBlock(Ports{TransPort: 9040, DNSPort: 5353, ControlPort: 9051})
	assert.Contains(t, block, "\nTransPort 9040 IsolateClientAddr IsolateClientProtocol IsolateDestAddr IsolateDestPort\n")
	assert.Contains(t, block, "\nDNSPort 5353\n")
	assert.Contains(t, block, "\nControlPort 9051\n")
	assert.Contains(t, block, "\nAutomapHostsOnResolve 1\n")

	st, err := checkTorrc(strings.NewReader(block), Ports{TransPort: 9040, DNSPort: 5353, ControlPort: 9051})
	require.NoError(t, err)
	assert.True(t, st.OK())
}

func TestCheckTorrc(t *testing.T) {
	ports := Ports{TransPort: 9040, DNSPort: 5353, ControlPort: 9051}
	testCases := map[string]struct {
		content string
		missing []string
	}{
		"empty": {
			content: "",
			missing: []string{"TransPort 9040", "DNSPort 5353", "ControlPort 9051"},
		},
		"complete with addresses": {
			content: "TransPort 127.0.0.1:9040\nDNSPort 127.0.0.1:5353\nControlPort 9051\n",
		},
		"commented out": {
			content: "#TransPort 9040\nDNSPort 5353\nControlPort 9051\n",
			missing: []string{"TransPort 9040"},
		},
		"wrong port": {
			content: "TransPort 9040\nDNSPort 53\nControlPort 9051\n",
			missing: []string{"DNSPort 5353"},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "torrc")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))
			st, err := CheckTorrc(path, ports)
			require.NoError(t, err)
			assert.Equal(t, tc.missing, st.Missing)
			assert.Equal(t, len(tc.missing) == 0, st.OK())
		})
	}
}

func TestCheckTorrc_Unreadable(t *testing.T) {
	_, err := CheckTorrc(filepath.Join(t.TempDir(), "nope"), Ports{})
	assert.Error(t, err)
}
