package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aegisnet/aegis/firewall"
	"github.com/aegisnet/aegis/geofence"
	"github.com/aegisnet/aegis/honeypot"
	"github.com/aegisnet/aegis/metrics"
)

var honeypotProtect bool

var honeypotCmd = &cobra.Command{
	Use:   "honeypot",
	Short: "Serve decoy responses to connections from the geofenced region",
	Args:  cobra.NoArgs,
	RunE:  runHoneypot,
}

func init() {
	honeypotCmd.Flags().BoolVar(&honeypotProtect, "protect", false, "apply the protected posture while running and restore it on exit")
	rootCmd.AddCommand(honeypotCmd)
}

func runHoneypot(cmd *cobra.Command, args []string) error {
	config, err := readConfig()
	if err != nil {
		return err
	}
	reg := metrics.New()

	gfConfig, err := config.GeofenceConfig()
	if err != nil {
		return err
	}
	gfConfig.Logger = &geofenceLogger{reg: reg}
	hpConfig, err := config.HoneypotConfig()
	if err != nil {
		return err
	}
	sink, closeSink := config.AlertSink(reg)
	defer closeSink()

	matcher := geofence.NewMatcher(*gfConfig)
	hpConfig.Classifier = matcher
	hpConfig.Sink = sink
	hpConfig.Logger = &honeypotLogger{reg: reg}
	server, err := honeypot.NewServer(*hpConfig)
	if err != nil {
		return err
	}

	if honeypotProtect {
		p, err := config.Posture()
		if err != nil {
			return err
		}
		exec, err := config.Executor()
		if err != nil {
			return err
		}
		fw := firewall.NewManager(&loggedExecutor{exec: exec, reg: reg})
		if err := fw.ApplyProtectedPosture(p.ProxyUser, p.DNSPort, p.TransPort); err != nil {
			return err
		}
		logger.Info("protected posture active")
		defer func() {
			if err := fw.RestoreOpenPosture(); err != nil {
				logger.Error("failed to restore open posture", zap.Error(err))
				return
			}
			logger.Info("open posture restored")
		}()
	}

	if config.Metrics.Listen != "" {
		go func() {
			logger.Info("metrics server started", zap.String("addr", config.Metrics.Listen))
			if err := reg.Serve(config.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// Decoy message reload
	viper.OnConfigChange(func(e fsnotify.Event) {
		msg := viper.GetString("honeypot.message")
		if msg == server.Message() {
			return
		}
		server.SetMessage(msg)
		logger.Info("decoy message updated", zap.String("file", e.Name))
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	// Signal handling
	ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()
	context.AfterFunc(ctx, func() {
		logger.Info("shutting down gracefully...")
	})
	go func() {
		// Manual geofence refresh
		refreshChan := make(chan os.Signal, 1)
		signal.Notify(refreshChan, syscall.SIGHUP)
		defer signal.Stop(refreshChan)
		for {
			select {
			case <-ctx.Done():
				return
			case <-refreshChan:
				logger.Info("refreshing geofence")
				_ = matcher.Refresh(ctx)
			}
		}
	}()

	matcher.Initialize(ctx)
	return serveHoneypot(ctx, server)
}

// serveHoneypot runs the listener until ctx is done. A bind failure only
// disables the listener: the geofence refresh and the posture stay up
// until shutdown.
func serveHoneypot(ctx context.Context, server *honeypot.Server) error {
	if err := server.Listen(); err != nil {
		logger.Error("honeypot disabled", zap.Error(err))
		<-ctx.Done()
		return nil
	}
	return server.Serve(ctx)
}

type geofenceLogger struct {
	reg *metrics.Registry
}

func (l *geofenceLogger) CacheLoaded(prefixes, skipped int, fetched time.Time) {
	l.reg.Snapshot(prefixes, fetched)
	logger.Info("geofence cache loaded",
		zap.Int("prefixes", prefixes),
		zap.Int("skipped", skipped),
		zap.Time("fetched", fetched))
}

func (l *geofenceLogger) CacheError(err error) {
	logger.Warn("geofence cache unavailable", zap.Error(err))
}

func (l *geofenceLogger) RefreshStart() {
	logger.Debug("geofence refresh started")
}

func (l *geofenceLogger) RefreshDone(prefixes, skipped int) {
	l.reg.Refreshes.WithLabelValues("ok").Inc()
	l.reg.Snapshot(prefixes, time.Now())
	logger.Info("geofence refreshed",
		zap.Int("prefixes", prefixes),
		zap.Int("skipped", skipped))
}

func (l *geofenceLogger) RefreshError(err error) {
	l.reg.Refreshes.WithLabelValues("error").Inc()
	logger.Error("geofence refresh failed, keeping previous set", zap.Error(err))
}

type honeypotLogger struct {
	reg *metrics.Registry
}

func (l *honeypotLogger) ServerStart(addr string) {
	logger.Info("honeypot started", zap.String("addr", addr))
}

func (l *honeypotLogger) ServerStop(err error) {
	logger.Info("honeypot stopped", zap.Error(err))
}

func (l *honeypotLogger) AcceptError(err error) {
	l.reg.Errors.WithLabelValues("accept").Inc()
	logger.Warn("accept error", zap.Error(err))
}

func (l *honeypotLogger) ConnectionNew(ev honeypot.ConnectionEvent) {
	result := "ignored"
	if ev.Matched {
		result = "target"
	}
	l.reg.Connections.WithLabelValues(result).Inc()
	logger.Debug("new connection",
		zap.Int64("id", ev.ID),
		zap.String("peer", ev.Peer.String()),
		zap.Bool("matched", ev.Matched))
}

func (l *honeypotLogger) RuleError(ev honeypot.ConnectionEvent, err error) {
	l.reg.Errors.WithLabelValues("rule").Inc()
	logger.Error("rule error",
		zap.Int64("id", ev.ID),
		zap.String("peer", ev.Peer.String()),
		zap.Error(err))
}

func (l *honeypotLogger) WriteError(ev honeypot.ConnectionEvent, err error) {
	l.reg.Errors.WithLabelValues("write").Inc()
	logger.Warn("decoy write failed",
		zap.Int64("id", ev.ID),
		zap.String("peer", ev.Peer.String()),
		zap.Error(err))
}
