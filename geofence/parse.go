package geofence

import (
	"bytes"
	"net/netip"
)

// Parse reads one CIDR per line. Blank lines and "#" comments are ignored;
// anything that is not an IPv4 prefix is counted in skipped and dropped.
// Lines have no length limit: an oversized line is skipped like any other.
func Parse(data []byte) (prefixes []netip.Prefix, skipped int) {
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		p, err := netip.ParsePrefix(string(line))
		if err != nil || !p.Addr().Is4() {
			skipped++
			continue
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, skipped
}
