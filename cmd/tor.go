package cmd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegisnet/aegis/tor"
)

var torrcCheck bool

var newnymCmd = &cobra.Command{
	Use:   "newnym",
	Short: "Ask the proxy daemon for a new identity",
	Args:  cobra.NoArgs,
	RunE:  runNewnym,
}

var torrcCmd = &cobra.Command{
	Use:   "torrc",
	Short: "Print or check the proxy daemon configuration block",
	Args:  cobra.NoArgs,
	RunE:  runTorrc,
}

func init() {
	torrcCmd.Flags().BoolVar(&torrcCheck, "check", false, "check proxy.torrc instead of printing the block")
	rootCmd.AddCommand(newnymCmd, torrcCmd)
}

func runNewnym(cmd *cobra.Command, args []string) error {
	config, err := readConfig()
	if err != nil {
		return err
	}
	c := config.Controller()
	if err := c.NewIdentity(cmd.Context()); err != nil {
		if errors.Is(err, tor.ErrUnavailable) {
			logger.Error("proxy control port unreachable, is the daemon running?",
				zap.String("addr", config.Proxy.ControlAddr))
		}
		return err
	}
	logger.Info("new identity requested")
	return nil
}

func (c *cliConfig) TorPorts() (tor.Ports, error) {
	_, port, err := net.SplitHostPort(c.Proxy.ControlAddr)
	if err != nil {
		return tor.Ports{}, configError{Field: "proxy.controlAddr", Err: err}
	}
	cp, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return tor.Ports{}, configError{Field: "proxy.controlAddr", Err: err}
	}
	return tor.Ports{
		TransPort:   c.Proxy.TransPort,
		DNSPort:     c.Proxy.DNSPort,
		ControlPort: uint16(cp),
	}, nil
}

func runTorrc(cmd *cobra.Command, args []string) error {
	config, err := readConfig()
	if err != nil {
		return err
	}
	ports, err := config.TorPorts()
	if err != nil {
		return err
	}
	if !torrcCheck {
		fmt.Fprint(cmd.OutOrStdout(), tor.TorrcBlock(ports))
		return nil
	}
	st, err := tor.CheckTorrc(config.Proxy.Torrc, ports)
	if err != nil {
		return configError{Field: "proxy.torrc", Err: err}
	}
	if !st.OK() {
		return fmt.Errorf("%s is missing: %s", config.Proxy.Torrc, strings.Join(st.Missing, ", "))
	}
	logger.Info("torrc is configured", zap.String("file", config.Proxy.Torrc))
	return nil
}
