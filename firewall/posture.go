package firewall

import (
	"fmt"
	"net/netip"
	"regexp"
)

const (
	BatchProtected = "protected"
	BatchOpen      = "open"
)

// Stage groups the rules of the protected posture. Stages are emitted
// in ascending order.
type Stage int

const (
	StageNone Stage = iota
	StageDefaultDeny
	StageLoopback
	StageEstablished
	StageDNSRedirect
	StageProxyOwner
	StageTransRedirect
	StageRedirectReturn
	StageBlockIPv6
)

func (s Stage) String() string {
	switch s {
	case StageDefaultDeny:
		return "default-deny"
	case StageLoopback:
		return "loopback"
	case StageEstablished:
		return "established"
	case StageDNSRedirect:
		return "dns-redirect"
	case StageProxyOwner:
		return "proxy-owner"
	case StageTransRedirect:
		return "trans-redirect"
	case StageRedirectReturn:
		return "redirect-return"
	case StageBlockIPv6:
		return "block-ipv6"
	default:
		return "none"
	}
}

var (
	loopbackHost = netip.MustParsePrefix("127.0.0.1/32")

	userNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*\$?$`)
)

// Posture describes the proxy the protected posture routes traffic through.
type Posture struct {
	// ProxyUser is the system user the proxy daemon runs as.
	// Its traffic is the only traffic allowed to leave unredirected.
	ProxyUser string
	DNSPort   uint16
	TransPort uint16
}

func (p Posture) Validate() error {
	if !userNameRegex.MatchString(p.ProxyUser) {
		return fmt.Errorf("invalid proxy user %q", p.ProxyUser)
	}
	if p.DNSPort == 0 {
		return fmt.Errorf("invalid DNS port %d", p.DNSPort)
	}
	if p.TransPort == 0 {
		return fmt.Errorf("invalid transparent proxy port %d", p.TransPort)
	}
	return nil
}

// ProtectedBatch builds the transition to the protected posture.
//
// The proxy owner rules must come right after the default-deny policies,
// otherwise the proxy itself can't reach the network. The loopback accepts
// for the interception ports must be present, since the OUTPUT policy also
// drops the redirected packets.
func ProtectedBatch(p Posture) (Batch, error) {
	if err := p.Validate(); err != nil {
		return Batch{}, err
	}
	v4 := func(s Stage, r Rule) Rule {
		r.Stage = s
		r.Family = FamilyIPv4
		return r
	}
	rules := []Rule{
		v4(StageDefaultDeny, Rule{Op: OpPolicy, Chain: ChainInput, Target: TargetDrop}),
		v4(StageDefaultDeny, Rule{Op: OpPolicy, Chain: ChainForward, Target: TargetDrop}),
		v4(StageDefaultDeny, Rule{Op: OpPolicy, Chain: ChainOutput, Target: TargetDrop}),

		v4(StageLoopback, Rule{Op: OpAppend, Chain: ChainInput, Match: Match{InIface: "lo"}, Target: TargetAccept}),
		v4(StageLoopback, Rule{Op: OpAppend, Chain: ChainOutput, Match: Match{OutIface: "lo"}, Target: TargetAccept}),

		v4(StageEstablished, Rule{Op: OpAppend, Chain: ChainInput,
			Match: Match{States: []string{"ESTABLISHED", "RELATED"}}, Target: TargetAccept}),

		v4(StageDNSRedirect, Rule{Op: OpAppend, Table: TableNAT, Chain: ChainOutput,
			Match: Match{Protocol: "udp", DstPort: 53}, Target: TargetRedirect, ToPort: p.DNSPort}),

		v4(StageProxyOwner, Rule{Op: OpAppend, Chain: ChainOutput,
			Match: Match{UIDOwner: p.ProxyUser}, Target: TargetAccept}),

		v4(StageTransRedirect, Rule{Op: OpAppend, Table: TableNAT, Chain: ChainOutput,
			Match: Match{Protocol: "tcp", UIDOwner: p.ProxyUser}, Target: TargetReturn}),
		v4(StageTransRedirect, Rule{Op: OpAppend, Table: TableNAT, Chain: ChainOutput,
			Match: Match{OutIface: "lo"}, Target: TargetReturn}),
		v4(StageTransRedirect, Rule{Op: OpAppend, Table: TableNAT, Chain: ChainOutput,
			Match: Match{Protocol: "tcp", SYN: true}, Target: TargetRedirect, ToPort: p.TransPort}),

		v4(StageRedirectReturn, Rule{Op: OpAppend, Chain: ChainOutput,
			Match: Match{Dst: loopbackHost, Protocol: "tcp", DstPort: p.TransPort}, Target: TargetAccept}),
		v4(StageRedirectReturn, Rule{Op: OpAppend, Chain: ChainOutput,
			Match: Match{Dst: loopbackHost, Protocol: "udp", DstPort: p.DNSPort}, Target: TargetAccept}),
	}
	for _, chain := range []string{ChainInput, ChainOutput, ChainForward} {
		rules = append(rules, Rule{
			Stage:  StageBlockIPv6,
			Family: FamilyIPv6,
			Op:     OpPolicy,
			Chain:  chain,
			Target: TargetDrop,
		})
	}
	return Batch{Name: BatchProtected, Rules: rules}, nil
}

// OpenBatch builds the transition back to the open posture.
// Every rule in it succeeds on a system that is already open.
func OpenBatch() Batch {
	var rules []Rule
	for _, chain := range []string{ChainInput, ChainOutput, ChainForward} {
		rules = append(rules, Rule{Family: FamilyIPv4, Op: OpPolicy, Chain: chain, Target: TargetAccept})
	}
	rules = append(rules,
		Rule{Family: FamilyIPv4, Op: OpFlush, Table: TableNAT},
		Rule{Family: FamilyIPv4, Op: OpDeleteChains, Table: TableNAT},
		Rule{Family: FamilyIPv4, Op: OpFlush},
		Rule{Family: FamilyIPv4, Op: OpDeleteChains},
	)
	for _, chain := range []string{ChainInput, ChainOutput, ChainForward} {
		rules = append(rules, Rule{Family: FamilyIPv6, Op: OpPolicy, Chain: chain, Target: TargetAccept})
	}
	rules = append(rules, Rule{Family: FamilyIPv6, Op: OpFlush})
	return Batch{Name: BatchOpen, Rules: rules}
}

// Manager moves the host between the open and the protected posture.
// It keeps no record of the applied rules, and calls must be serialized
// by the caller.
type Manager struct {
	exec Executor
}

func NewManager(exec Executor) *Manager {
	return &Manager{exec: exec}
}

func (m *Manager) ApplyProtectedPosture(proxyUser string, dnsPort, transPort uint16) error {
	b, err := ProtectedBatch(Posture{
		ProxyUser: proxyUser,
		DNSPort:   dnsPort,
		TransPort: transPort,
	})
	if err != nil {
		return err
	}
	return m.exec.Execute(b)
}

func (m *Manager) RestoreOpenPosture() error {
	return m.exec.Execute(OpenBatch())
}
