package tor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultControlAddr = "127.0.0.1:9051"

	defaultControlTimeout = 5 * time.Second

	signalNewIdentity = "NEWNYM"
	replyOK           = "250"
)

// ErrUnavailable is returned when the control port can't be reached.
// The caller is expected to report it, not retry.
var ErrUnavailable = errors.New("proxy control port unavailable")

// ControlError is a non-success reply from the control port.
type ControlError struct {
	Command string
	Reply   string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("control command %s rejected: %s", e.Command, e.Reply)
}

// Controller talks the line-based control protocol of the proxy daemon.
// Each call opens its own connection: authenticate, send one command, quit.
type Controller struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

func (c *Controller) addr() string {
	if c.Addr == "" {
		return DefaultControlAddr
	}
	return c.Addr
}

func (c *Controller) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultControlTimeout
	}
	return c.Timeout
}

// NewIdentity asks the daemon to switch to new circuits.
func (c *Controller) NewIdentity(ctx context.Context) error {
	return c.Signal(ctx, signalNewIdentity)
}

func (c *Controller) Signal(ctx context.Context, signal string) error {
	d := net.Dialer{Timeout: c.timeout()}
	conn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout()))

	r := bufio.NewReader(conn)
	cmds := []string{
		"AUTHENTICATE " + strconv.Quote(c.Password),
		"SIGNAL " + signal,
	}
	for _, cmd := range cmds {
		if err := writeLine(conn, cmd); err != nil {
			return err
		}
		reply, err := readReply(r)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(reply, replyOK) {
			return &ControlError{Command: strings.Fields(cmd)[0], Reply: reply}
		}
	}
	return writeLine(conn, "QUIT")
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

// readReply reads one reply, which may span several "250-" lines,
// and returns its final line.
func readReply(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 || line[3] == ' ' {
			return line, nil
		}
	}
}
