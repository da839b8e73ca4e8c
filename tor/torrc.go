package tor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const DefaultTorrcPath = "/etc/tor/torrc"

// Ports are the daemon listeners the protected posture redirects to.
type Ports struct {
	TransPort   uint16
	DNSPort     uint16
	ControlPort uint16
}

// TorrcBlock renders the directives the daemon needs for transparent proxying.
func TorrcBlock(p Ports) string {
	var b strings.Builder
	b.WriteString("# --- aegis transparent proxy ---\n")
	b.WriteString("VirtualAddrNetworkIPv4 10.192.0.0/10\n")
	b.WriteString("AutomapHostsOnResolve 1\n")
	fmt.Fprintf(&b, "TransPort %d IsolateClientAddr IsolateClientProtocol IsolateDestAddr IsolateDestPort\n", p.TransPort)
	fmt.Fprintf(&b, "DNSPort %d\n", p.DNSPort)
	fmt.Fprintf(&b, "ControlPort %d\n", p.ControlPort)
	b.WriteString("CookieAuthentication 0\n")
	b.WriteString("# -------------------------------\n")
	return b.String()
}

// TorrcStatus lists the directives missing from a torrc.
// An empty Missing means the file is ready.
type TorrcStatus struct {
	Missing []string
}

func (s TorrcStatus) OK() bool {
	return len(s.Missing) == 0
}

// CheckTorrc reads the torrc at path and reports which required port
// directives are absent or point elsewhere.
func CheckTorrc(path string, p Ports) (TorrcStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TorrcStatus{}, err
	}
	return checkTorrc(bytes.NewReader(data), p)
}

func checkTorrc(r io.Reader, p Ports) (TorrcStatus, error) {
	want := map[string]uint16{
		"TransPort":   p.TransPort,
		"DNSPort":     p.DNSPort,
		"ControlPort": p.ControlPort,
	}
	found := make(map[string]bool, len(want))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		port, ok := want[fields[0]]
		if !ok {
			continue
		}
		if listenPort(fields[1]) == port {
			found[fields[0]] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return TorrcStatus{}, err
	}
	var st TorrcStatus
	for _, key := range []string{"TransPort", "DNSPort", "ControlPort"} {
		if !found[key] {
			st.Missing = append(st.Missing, fmt.Sprintf("%s %d", key, want[key]))
		}
	}
	return st, nil
}

// listenPort accepts both "9040" and "127.0.0.1:9040".
func listenPort(s string) uint16 {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}
