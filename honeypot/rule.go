package honeypot

import (
	"fmt"
	"net/netip"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule is an optional expression that decides, per connection, whether the
// peer is decoyed. It sees the peer as "ip" and "port", and the geofence
// verdict as "target". cidr(ip, "a.b.c.d/n") is available as a builtin.
//
// The default, without a rule, is equivalent to the expression "target".
type Rule struct {
	Source  string
	program *vm.Program
}

func CompileRule(src string) (*Rule, error) {
	program, err := expr.Compile(src,
		expr.Env(ruleEnv(netip.AddrPort{}, false)),
		expr.AsBool(),
		expr.Function("cidr", func(params ...any) (any, error) {
			return matchCIDR(params[0].(string), params[1].(string))
		}, new(func(string, string) bool)),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid honeypot rule: %w", err)
	}
	return &Rule{Source: src, program: program}, nil
}

func (r *Rule) Match(peer netip.AddrPort, target bool) (bool, error) {
	v, err := expr.Run(r.program, ruleEnv(peer, target))
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	return ok && b, nil
}

func ruleEnv(peer netip.AddrPort, target bool) map[string]any {
	return map[string]any{
		"ip":     peer.Addr().String(),
		"port":   int(peer.Port()),
		"target": target,
	}
}

func matchCIDR(ip, cidr string) (bool, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false, err
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false, nil
	}
	return p.Contains(a.Unmap()), nil
}
