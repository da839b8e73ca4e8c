package firewall

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

var _ Executor = (*DirectExecutor)(nil)

// iptablesHandle is the subset of *iptables.IPTables used here.
type iptablesHandle interface {
	ChangePolicy(table, chain, target string) error
	Append(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	ListChains(table string) ([]string, error)
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
}

func newHandles() (ipt4, ipt6 iptablesHandle, err error) {
	h4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, nil, err
	}
	h6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, nil, err
	}
	return h4, h6, nil
}

// DirectExecutor applies a batch rule by rule through go-iptables.
// It requires the process to already be privileged. Like BatchExecutor
// it stops at the first failing rule, for both address families.
type DirectExecutor struct {
	ipt4, ipt6 iptablesHandle
}

func NewDirectExecutor() (*DirectExecutor, error) {
	ipt4, ipt6, err := newHandles()
	if err != nil {
		return nil, err
	}
	return &DirectExecutor{ipt4: ipt4, ipt6: ipt6}, nil
}

func (e *DirectExecutor) handle(f Family) iptablesHandle {
	if f == FamilyIPv6 {
		return e.ipt6
	}
	return e.ipt4
}

func (e *DirectExecutor) Execute(b Batch) error {
	for _, r := range b.Rules {
		if err := e.apply(r); err != nil {
			return &ExecError{
				Batch:  b.Name,
				Status: exitStatus(err),
				Err:    fmt.Errorf("%s: %w", r, err),
			}
		}
	}
	return nil
}

func (e *DirectExecutor) apply(r Rule) error {
	ipt := e.handle(r.Family)
	table := r.table()
	switch r.Op {
	case OpPolicy:
		return ipt.ChangePolicy(table, r.Chain, r.Target)
	case OpAppend:
		return ipt.Append(table, r.Chain, r.Spec()...)
	case OpFlush:
		if r.Chain != "" {
			return ipt.ClearChain(table, r.Chain)
		}
		chains, err := ipt.ListChains(table)
		if err != nil {
			return err
		}
		for _, c := range chains {
			if err := ipt.ClearChain(table, c); err != nil {
				return err
			}
		}
		return nil
	case OpDeleteChains:
		if r.Chain != "" {
			return ipt.DeleteChain(table, r.Chain)
		}
		chains, err := ipt.ListChains(table)
		if err != nil {
			return err
		}
		for _, c := range chains {
			if isBuiltinChain(table, c) {
				continue
			}
			if err := ipt.DeleteChain(table, c); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported operation %s", r.Op)
	}
}

// Inspector reads the current state of the built-in filter chains.
// It does not need the rules to have been applied by this process.
type Inspector struct {
	ipt4, ipt6 iptablesHandle
}

func NewInspector() (*Inspector, error) {
	ipt4, ipt6, err := newHandles()
	if err != nil {
		return nil, err
	}
	return &Inspector{ipt4: ipt4, ipt6: ipt6}, nil
}

// Policies returns the default target of INPUT, FORWARD and OUTPUT.
func (i *Inspector) Policies(f Family) (map[string]string, error) {
	ipt := i.ipt4
	if f == FamilyIPv6 {
		ipt = i.ipt6
	}
	policies := make(map[string]string, 3)
	for _, chain := range builtinChains[TableFilter] {
		lines, err := ipt.List(TableFilter, chain)
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			// -P INPUT ACCEPT
			fields := strings.Fields(l)
			if len(fields) == 3 && fields[0] == "-P" && fields[1] == chain {
				policies[chain] = fields[2]
				break
			}
		}
	}
	return policies, nil
}

// RuleCount returns the number of appended rules in a table.
func (i *Inspector) RuleCount(f Family, table string) (int, error) {
	ipt := i.ipt4
	if f == FamilyIPv6 {
		ipt = i.ipt6
	}
	chains, err := ipt.ListChains(table)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range chains {
		lines, err := ipt.List(table, c)
		if err != nil {
			return 0, err
		}
		for _, l := range lines {
			if strings.HasPrefix(l, "-A ") {
				n++
			}
		}
	}
	return n, nil
}
