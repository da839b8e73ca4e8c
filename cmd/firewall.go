package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aegisnet/aegis/firewall"
	"github.com/aegisnet/aegis/metrics"
)

var rulesYAML bool

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Route all traffic through the proxy and drop everything else",
	Args:  cobra.NoArgs,
	RunE:  runUp,
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Flush all rules and restore the open posture",
	Args:  cobra.NoArgs,
	RunE:  runDown,
}

var rulesCmd = &cobra.Command{
	Use:       "rules [up|down]",
	Short:     "Print the rules a posture transition would apply",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE:      runRules,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current chain policies",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rulesCmd.Flags().BoolVar(&rulesYAML, "yaml", false, "print as YAML")
	rootCmd.AddCommand(upCmd, downCmd, rulesCmd, statusCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	config, err := readConfig()
	if err != nil {
		return err
	}
	p, err := config.Posture()
	if err != nil {
		return err
	}
	exec, err := config.Executor()
	if err != nil {
		return err
	}
	logger.Info("applying protected posture",
		zap.String("proxyUser", p.ProxyUser),
		zap.Uint16("dnsPort", p.DNSPort),
		zap.Uint16("transPort", p.TransPort))
	err = firewall.NewManager(&loggedExecutor{exec: exec}).ApplyProtectedPosture(p.ProxyUser, p.DNSPort, p.TransPort)
	if err != nil {
		return err
	}
	logger.Info("protected posture active")
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	config, err := readConfig()
	if err != nil {
		return err
	}
	exec, err := config.Executor()
	if err != nil {
		return err
	}
	logger.Info("restoring open posture")
	if err := firewall.NewManager(&loggedExecutor{exec: exec}).RestoreOpenPosture(); err != nil {
		return err
	}
	logger.Info("open posture restored")
	return nil
}

type rulesDump struct {
	Name  string          `yaml:"name"`
	Rules []rulesDumpRule `yaml:"rules"`
}

type rulesDumpRule struct {
	Stage   string   `yaml:"stage,omitempty"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func newRulesDump(b firewall.Batch) rulesDump {
	d := rulesDump{Name: b.Name, Rules: make([]rulesDumpRule, len(b.Rules))}
	for i, r := range b.Rules {
		d.Rules[i] = rulesDumpRule{
			Command: r.Family.Command(),
			Args:    r.Args(),
		}
		if r.Stage != firewall.StageNone {
			d.Rules[i].Stage = r.Stage.String()
		}
	}
	return d
}

func runRules(cmd *cobra.Command, args []string) error {
	config, err := readConfig()
	if err != nil {
		return err
	}
	var batches []firewall.Batch
	if len(args) == 0 || args[0] == "up" {
		p, err := config.Posture()
		if err != nil {
			return err
		}
		b, err := firewall.ProtectedBatch(p)
		if err != nil {
			return err
		}
		batches = append(batches, b)
	}
	if len(args) == 0 || args[0] == "down" {
		batches = append(batches, firewall.OpenBatch())
	}

	out := cmd.OutOrStdout()
	if rulesYAML {
		dumps := make([]rulesDump, len(batches))
		for i, b := range batches {
			dumps[i] = newRulesDump(b)
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(dumps)
	}
	for _, b := range batches {
		fmt.Fprintf(out, "# %s\n", b.Name)
		for _, line := range b.Lines() {
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	insp, err := firewall.NewInspector()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, f := range []firewall.Family{firewall.FamilyIPv4, firewall.FamilyIPv6} {
		policies, err := insp.Policies(f)
		if err != nil {
			return err
		}
		natRules, err := insp.RuleCount(f, firewall.TableNAT)
		if err != nil {
			// ip6tables may be built without nat.
			logger.Debug("nat table unavailable", zap.Stringer("family", f), zap.Error(err))
		}
		fmt.Fprintf(out, "%s: INPUT=%s OUTPUT=%s FORWARD=%s nat-rules=%d\n", f,
			policies[firewall.ChainInput], policies[firewall.ChainOutput], policies[firewall.ChainForward], natRules)
	}
	return nil
}

// loggedExecutor reports every posture transition outcome.
type loggedExecutor struct {
	exec firewall.Executor
	reg  *metrics.Registry
}

func (e *loggedExecutor) Execute(b firewall.Batch) error {
	logger.Debug("executing batch", zap.String("batch", b.Name), zap.Int("rules", len(b.Rules)))
	for _, line := range b.Lines() {
		logger.Debug("rule", zap.String("batch", b.Name), zap.String("cmd", line))
	}
	err := e.exec.Execute(b)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		logger.Error("posture transition failed", zap.String("batch", b.Name), zap.Error(err))
	}
	if e.reg != nil {
		e.reg.Transitions.WithLabelValues(b.Name, outcome).Inc()
	}
	return err
}
