package firewall

import (
	"net/netip"
	"strconv"
	"strings"
)

type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Command is the userspace tool that manages tables of this family.
func (f Family) Command() string {
	if f == FamilyIPv6 {
		return "ip6tables"
	}
	return "iptables"
}

type Op int

const (
	// OpPolicy sets the default target of a built-in chain.
	OpPolicy Op = iota
	// OpAppend appends a rule to the end of a chain.
	OpAppend
	// OpFlush removes every rule of a chain, or of all chains
	// in the table when Chain is empty.
	OpFlush
	// OpDeleteChains deletes a user-defined chain, or all of them
	// in the table when Chain is empty.
	OpDeleteChains
)

func (o Op) String() string {
	switch o {
	case OpPolicy:
		return "policy"
	case OpAppend:
		return "append"
	case OpFlush:
		return "flush"
	case OpDeleteChains:
		return "delete-chains"
	default:
		return "unknown"
	}
}

const (
	TableFilter = "filter"
	TableNAT    = "nat"

	ChainInput   = "INPUT"
	ChainForward = "FORWARD"
	ChainOutput  = "OUTPUT"

	TargetAccept   = "ACCEPT"
	TargetDrop     = "DROP"
	TargetReturn   = "RETURN"
	TargetRedirect = "REDIRECT"
)

var builtinChains = map[string][]string{
	TableFilter: {ChainInput, ChainForward, ChainOutput},
	TableNAT:    {"PREROUTING", ChainInput, ChainOutput, "POSTROUTING"},
	"mangle":    {"PREROUTING", ChainInput, ChainForward, ChainOutput, "POSTROUTING"},
	"raw":       {"PREROUTING", ChainOutput},
}

func isBuiltinChain(table, chain string) bool {
	for _, c := range builtinChains[table] {
		if c == chain {
			return true
		}
	}
	return false
}

// Match holds the criteria of an appended rule.
// Zero fields are not rendered.
type Match struct {
	InIface  string
	OutIface string
	Dst      netip.Prefix
	Protocol string
	DstPort  uint16
	SYN      bool
	UIDOwner string
	States   []string
}

func (m Match) args() []string {
	var a []string
	if m.InIface != "" {
		a = append(a, "-i", m.InIface)
	}
	if m.OutIface != "" {
		a = append(a, "-o", m.OutIface)
	}
	if m.Dst.IsValid() {
		a = append(a, "-d", m.Dst.String())
	}
	if m.Protocol != "" {
		a = append(a, "-p", m.Protocol)
	}
	if m.DstPort != 0 {
		a = append(a, "--dport", strconv.Itoa(int(m.DstPort)))
	}
	if m.SYN {
		a = append(a, "--syn")
	}
	if m.UIDOwner != "" {
		a = append(a, "-m", "owner", "--uid-owner", m.UIDOwner)
	}
	if len(m.States) > 0 {
		a = append(a, "-m", "state", "--state", strings.Join(m.States, ","))
	}
	return a
}

// Rule is a single firewall directive. It is rendered to the argument
// syntax of iptables/ip6tables only when executed.
type Rule struct {
	Stage  Stage
	Family Family
	Op     Op
	Table  string
	Chain  string
	Match  Match
	Target string
	ToPort uint16
}

func (r Rule) table() string {
	if r.Table == "" {
		return TableFilter
	}
	return r.Table
}

// Spec returns the match and target part of an appended rule,
// as accepted by go-iptables.
func (r Rule) Spec() []string {
	a := r.Match.args()
	if r.Target != "" {
		a = append(a, "-j", r.Target)
	}
	if r.ToPort != 0 {
		a = append(a, "--to-ports", strconv.Itoa(int(r.ToPort)))
	}
	return a
}

// Args returns the full argument list for the family's command.
func (r Rule) Args() []string {
	var a []string
	if t := r.table(); t != TableFilter {
		a = append(a, "-t", t)
	}
	switch r.Op {
	case OpPolicy:
		a = append(a, "-P", r.Chain, r.Target)
	case OpAppend:
		a = append(a, "-A", r.Chain)
		a = append(a, r.Spec()...)
	case OpFlush:
		a = append(a, "-F")
		if r.Chain != "" {
			a = append(a, r.Chain)
		}
	case OpDeleteChains:
		a = append(a, "-X")
		if r.Chain != "" {
			a = append(a, r.Chain)
		}
	}
	return a
}

// Argv is Args prefixed with the command name.
func (r Rule) Argv() []string {
	return append([]string{r.Family.Command()}, r.Args()...)
}

func (r Rule) String() string {
	return strings.Join(r.Argv(), " ")
}

// Batch is an ordered sequence of rules that make up one posture transition.
// The order is significant and is preserved by every Executor.
type Batch struct {
	Name  string
	Rules []Rule
}

// Lines renders every rule as a command line, in order.
func (b Batch) Lines() []string {
	lines := make([]string, len(b.Rules))
	for i, r := range b.Rules {
		lines[i] = r.String()
	}
	return lines
}

// Executor runs a batch as a single unit.
// Execution stops at the first failing rule; rules already applied
// are left in place.
type Executor interface {
	Execute(Batch) error
}
