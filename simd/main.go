package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/davidbalbert/routesim/config"
	"github.com/davidbalbert/routesim/topology"
)

var version = "0.1.0"

var flags struct {
	config      string
	topology    string
	socket      string
	metricsAddr string
	interval    time.Duration
	autoSend    bool
	traffic     string
	logLevel    string
}

var rootCmd = &cobra.Command{
	Use:   "simd",
	Short: "Run a routed network simulation",
	Long: `simd builds the network described by a topology file, ticks it until the
routing protocols converge and then forwards host traffic. It is controlled
with simc over a unix socket.`,
	Args:    cobra.NoArgs,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(cmd)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.config, "config", "c", "", "path to routesim.yaml")
	f.StringVarP(&flags.topology, "topology", "t", "", "path to a JSON or YAML topology, overrides the config")
	f.StringVar(&flags.socket, "socket", "", "path to the API socket, overrides the config")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, overrides the config")
	f.DurationVar(&flags.interval, "interval", 0, "tick interval, overrides the config")
	f.BoolVar(&flags.autoSend, "auto-send", false, "start sending packets as soon as the network converges")
	f.StringVar(&flags.traffic, "traffic", "", "file to split into packets and send between hosts")
	f.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
}

func newLogger(level string) (*zap.Logger, error) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(l)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zc.Build()
}

func run(cmd *cobra.Command) error {
	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	configManager, err := config.NewConfigManager(flags.config)
	if err != nil {
		return err
	}

	conf := configManager.GetConfig()
	fs := cmd.Flags()
	if fs.Changed("topology") {
		conf.Topology = flags.topology
	}
	if fs.Changed("socket") {
		conf.Socket = flags.socket
	}
	if fs.Changed("metrics-addr") {
		conf.MetricsAddr = flags.metricsAddr
	}
	if fs.Changed("interval") {
		conf.Clock.Interval = flags.interval
	}
	if fs.Changed("auto-send") {
		conf.Clock.AutoSend = flags.autoSend
	}
	if fs.Changed("traffic") {
		conf.Traffic.File = flags.traffic
	}
	if err := configManager.UpdateConfig(conf); err != nil {
		return err
	}
	if conf.Topology == "" {
		return fmt.Errorf("no topology given, use --topology or set topology in the config")
	}
	if conf.Clock.Interval <= 0 {
		return fmt.Errorf("tick interval must be positive: %s", conf.Clock.Interval)
	}

	topo, err := topology.Load(conf.Topology)
	if err != nil {
		return err
	}

	logger.Info("starting simd", zap.String("version", version), zap.Int("uid", os.Getuid()), zap.String("topology", conf.Topology))

	sim, err := newSimulation(conf, topo, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reloadOnHangup(ctx, configManager, logger)

	return sim.Run(ctx, version)
}

// reloadOnHangup rereads the config file on SIGHUP. The network is built once,
// so a reload only reports what would change on the next start.
func reloadOnHangup(ctx context.Context, m *config.ConfigManager, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			old := m.GetConfig()
			if err := m.Reload(); err != nil {
				logger.Error("config reload failed", zap.Error(err))
				continue
			}
			conf := m.GetConfig()
			logger.Info("config reloaded, restart simd to apply",
				zap.Bool("timers_changed", conf.Router.Timers != old.Router.Timers),
				zap.Bool("buffer_changed", conf.Router.Buffer != old.Router.Buffer),
				zap.Bool("clock_changed", conf.Clock != old.Clock))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
