package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aegisnet/aegis/firewall"
	"github.com/aegisnet/aegis/geofence"
	"github.com/aegisnet/aegis/honeypot"
	"github.com/aegisnet/aegis/metrics"
	"github.com/aegisnet/aegis/tor"
)

const (
	firewallModeBatch  = "batch"
	firewallModeDirect = "direct"

	defaultGeofenceCache   = "/tmp/aegis_il_cidr.txt"
	defaultGeofenceTimeout = 10 * time.Second
	defaultGeofenceLRU     = 4096
)

type configError struct {
	Field string
	Err   error
}

func (e configError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Err)
}

func (e configError) Unwrap() error {
	return e.Err
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("proxy.user", "debian-tor")
	v.SetDefault("proxy.dnsPort", 5353)
	v.SetDefault("proxy.transPort", 9040)
	v.SetDefault("proxy.controlAddr", tor.DefaultControlAddr)
	v.SetDefault("proxy.controlPassword", "")
	v.SetDefault("proxy.torrc", tor.DefaultTorrcPath)
	v.SetDefault("firewall.mode", firewallModeBatch)
	v.SetDefault("firewall.elevate", firewall.DefaultElevateCommand)
	v.SetDefault("geofence.url", geofence.DefaultURL)
	v.SetDefault("geofence.cache", defaultGeofenceCache)
	v.SetDefault("geofence.interval", geofence.DefaultInterval)
	v.SetDefault("geofence.timeout", defaultGeofenceTimeout)
	v.SetDefault("geofence.cacheSize", defaultGeofenceLRU)
	v.SetDefault("honeypot.listen", honeypot.DefaultListen)
	v.SetDefault("honeypot.message", honeypot.DefaultMessage)
	v.SetDefault("honeypot.maxConns", 0)
	v.SetDefault("metrics.listen", "")
}

type cliConfig struct {
	Proxy    cliConfigProxy    `mapstructure:"proxy"`
	Firewall cliConfigFirewall `mapstructure:"firewall"`
	Geofence cliConfigGeofence `mapstructure:"geofence"`
	Honeypot cliConfigHoneypot `mapstructure:"honeypot"`
	Metrics  cliConfigMetrics  `mapstructure:"metrics"`
}

type cliConfigProxy struct {
	User            string `mapstructure:"user"`
	DNSPort         uint16 `mapstructure:"dnsPort"`
	TransPort       uint16 `mapstructure:"transPort"`
	ControlAddr     string `mapstructure:"controlAddr"`
	ControlPassword string `mapstructure:"controlPassword"`
	Torrc           string `mapstructure:"torrc"`
}

type cliConfigFirewall struct {
	Mode    string `mapstructure:"mode"`
	Elevate string `mapstructure:"elevate"`
}

type cliConfigGeofence struct {
	URL       string        `mapstructure:"url"`
	Cache     string        `mapstructure:"cache"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cacheSize"`
}

type cliConfigHoneypot struct {
	Listen   string `mapstructure:"listen"`
	Message  string `mapstructure:"message"`
	MaxConns int64  `mapstructure:"maxConns"`
	Rule     string `mapstructure:"rule"`
	Webhook  string `mapstructure:"webhook"`
	NodeID   int64  `mapstructure:"nodeID"`
}

type cliConfigMetrics struct {
	Listen string `mapstructure:"listen"`
}

// Posture returns the validated protected posture parameters.
func (c *cliConfig) Posture() (firewall.Posture, error) {
	p := firewall.Posture{
		ProxyUser: c.Proxy.User,
		DNSPort:   c.Proxy.DNSPort,
		TransPort: c.Proxy.TransPort,
	}
	if err := p.Validate(); err != nil {
		return p, configError{Field: "proxy", Err: err}
	}
	return p, nil
}

// Executor returns the firewall executor selected by firewall.mode.
func (c *cliConfig) Executor() (firewall.Executor, error) {
	switch c.Firewall.Mode {
	case firewallModeBatch, "":
		return firewall.NewBatchExecutor(c.Firewall.Elevate, nil), nil
	case firewallModeDirect:
		e, err := firewall.NewDirectExecutor()
		if err != nil {
			return nil, configError{Field: "firewall.mode", Err: err}
		}
		return e, nil
	default:
		return nil, configError{Field: "firewall.mode", Err: fmt.Errorf("unsupported mode %q", c.Firewall.Mode)}
	}
}

func (c *cliConfig) Controller() *tor.Controller {
	return &tor.Controller{
		Addr:     c.Proxy.ControlAddr,
		Password: c.Proxy.ControlPassword,
	}
}

func (c *cliConfig) fillGeofenceSource(config *geofence.Config) error {
	if c.Geofence.URL == "" {
		return configError{Field: "geofence.url", Err: fmt.Errorf("empty")}
	}
	config.Source = geofence.NewHTTPSource(c.Geofence.URL, c.Geofence.Timeout)
	config.Interval = c.Geofence.Interval
	return nil
}

func (c *cliConfig) fillGeofenceCache(config *geofence.Config) error {
	if c.Geofence.Cache != "" {
		config.Cache = &geofence.FileCache{Path: c.Geofence.Cache}
	}
	if c.Geofence.CacheSize < 0 {
		return configError{Field: "geofence.cacheSize", Err: fmt.Errorf("negative")}
	}
	config.CacheSize = c.Geofence.CacheSize
	return nil
}

// GeofenceConfig validates the fields and returns a ready-to-use matcher config.
// This does not include the logger.
func (c *cliConfig) GeofenceConfig() (*geofence.Config, error) {
	gfConfig := &geofence.Config{}
	fillers := []func(*geofence.Config) error{
		c.fillGeofenceSource,
		c.fillGeofenceCache,
	}
	for _, f := range fillers {
		if err := f(gfConfig); err != nil {
			return nil, err
		}
	}
	return gfConfig, nil
}

func (c *cliConfig) fillHoneypotListener(config *honeypot.Config) error {
	config.Listen = c.Honeypot.Listen
	config.Message = c.Honeypot.Message
	if c.Honeypot.MaxConns < 0 {
		return configError{Field: "honeypot.maxConns", Err: fmt.Errorf("negative")}
	}
	config.MaxConns = c.Honeypot.MaxConns
	config.NodeID = c.Honeypot.NodeID
	return nil
}

func (c *cliConfig) fillHoneypotRule(config *honeypot.Config) error {
	if c.Honeypot.Rule == "" {
		return nil
	}
	rule, err := honeypot.CompileRule(c.Honeypot.Rule)
	if err != nil {
		return configError{Field: "honeypot.rule", Err: err}
	}
	config.Rule = rule
	return nil
}

// HoneypotConfig validates the fields and returns a ready-to-use server config.
// This does not include the classifier, sink or logger.
func (c *cliConfig) HoneypotConfig() (*honeypot.Config, error) {
	hpConfig := &honeypot.Config{}
	fillers := []func(*honeypot.Config) error{
		c.fillHoneypotListener,
		c.fillHoneypotRule,
	}
	for _, f := range fillers {
		if err := f(hpConfig); err != nil {
			return nil, err
		}
	}
	return hpConfig, nil
}

// AlertSink builds the sink chain: log and count every alert, and forward
// to the webhook if one is configured. The returned close func flushes
// pending webhook deliveries.
func (c *cliConfig) AlertSink(reg *metrics.Registry) (honeypot.AlertSink, func()) {
	sinks := honeypot.MultiSink{
		honeypot.SinkFunc(func(ev honeypot.ConnectionEvent) {
			reg.Alerts.Inc()
			logger.Warn("tracking attempt",
				zap.Int64("id", ev.ID),
				zap.String("peer", ev.Peer.String()))
		}),
	}
	if c.Honeypot.Webhook == "" {
		return sinks, func() {}
	}
	wh := honeypot.NewWebhookSink(honeypot.WebhookConfig{
		URL: c.Honeypot.Webhook,
		ErrFunc: func(ev honeypot.ConnectionEvent, err error) {
			reg.Errors.WithLabelValues("webhook").Inc()
			logger.Error("webhook delivery failed", zap.Int64("id", ev.ID), zap.Error(err))
		},
	})
	sinks = append(sinks, wh)
	return sinks, func() {
		_ = wh.Close()
		if n := wh.Dropped(); n > 0 {
			logger.Warn("webhook alerts dropped", zap.Int64("count", n))
		}
	}
}
