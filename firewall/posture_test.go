package firewall

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectedBatch_Lines(t *testing.T) {
	b, err := ProtectedBatch(Posture{ProxyUser: "proxyuser", DNSPort: 5353, TransPort: 9040})
	require.NoError(t, err)
	assert.Equal(t, BatchProtected, b.Name)
	assert.Equal(t, []string{
		"iptables -P INPUT DROP",
		"iptables -P FORWARD DROP",
		"iptables -P OUTPUT DROP",
		"iptables -A INPUT -i lo -j ACCEPT",
		"iptables -A OUTPUT -o lo -j ACCEPT",
		"iptables -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"iptables -t nat -A OUTPUT -p udp --dport 53 -j REDIRECT --to-ports 5353",
		"iptables -A OUTPUT -m owner --uid-owner proxyuser -j ACCEPT",
		"iptables -t nat -A OUTPUT -p tcp -m owner --uid-owner proxyuser -j RETURN",
		"iptables -t nat -A OUTPUT -o lo -j RETURN",
		"iptables -t nat -A OUTPUT -p tcp --syn -j REDIRECT --to-ports 9040",
		"iptables -A OUTPUT -d 127.0.0.1/32 -p tcp --dport 9040 -j ACCEPT",
		"iptables -A OUTPUT -d 127.0.0.1/32 -p udp --dport 5353 -j ACCEPT",
		"ip6tables -P INPUT DROP",
		"ip6tables -P OUTPUT DROP",
		"ip6tables -P FORWARD DROP",
	}, b.Lines())
}

func TestProtectedBatch_StageOrder(t *testing.T) {
	testCases := []Posture{
		{ProxyUser: "debian-tor", DNSPort: 5353, TransPort: 9040},
		{ProxyUser: "tor", DNSPort: 53535, TransPort: 1},
		{ProxyUser: "_proxy", DNSPort: 65535, TransPort: 8080},
	}
	for _, p := range testCases {
		t.Run(p.ProxyUser, func(t *testing.T) {
			p := p
			t.Parallel()

			b, err := ProtectedBatch(p)
			require.NoError(t, err)

			seen := make(map[Stage]bool)
			last := StageNone
			for _, r := range b.Rules {
				require.GreaterOrEqual(t, r.Stage, last, "rule %s out of order", r)
				last = r.Stage
				seen[r.Stage] = true
			}
			for s := StageDefaultDeny; s <= StageBlockIPv6; s++ {
				assert.True(t, seen[s], "stage %s missing", s)
			}

			script := strings.Join(b.Lines(), "\n")
			assert.Equal(t, 2, strings.Count(script, "--uid-owner "+p.ProxyUser+" "))
			assert.Contains(t, script, "--to-ports "+itoa(p.DNSPort))
			assert.Contains(t, script, "--to-ports "+itoa(p.TransPort))
			assert.Contains(t, script, "-p tcp --dport "+itoa(p.TransPort)+" -j ACCEPT")
			assert.Contains(t, script, "-p udp --dport "+itoa(p.DNSPort)+" -j ACCEPT")
		})
	}
}

func TestProtectedBatch_Invalid(t *testing.T) {
	testCases := map[string]Posture{
		"injection": {ProxyUser: "tor; rm -rf /", DNSPort: 5353, TransPort: 9040},
		"empty":     {ProxyUser: "", DNSPort: 5353, TransPort: 9040},
		"dns port":  {ProxyUser: "tor", DNSPort: 0, TransPort: 9040},
		"trans":     {ProxyUser: "tor", DNSPort: 5353, TransPort: 0},
	}
	for name, p := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ProtectedBatch(p)
			assert.Error(t, err)
		})
	}
}

func TestOpenBatch_Lines(t *testing.T) {
	assert.Equal(t, []string{
		"iptables -P INPUT ACCEPT",
		"iptables -P OUTPUT ACCEPT",
		"iptables -P FORWARD ACCEPT",
		"iptables -t nat -F",
		"iptables -t nat -X",
		"iptables -F",
		"iptables -X",
		"ip6tables -P INPUT ACCEPT",
		"ip6tables -P OUTPUT ACCEPT",
		"ip6tables -P FORWARD ACCEPT",
		"ip6tables -F",
	}, OpenBatch().Lines())
}

func itoa(p uint16) string {
	return strconv.Itoa(int(p))
}
