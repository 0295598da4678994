package main

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/taildispatch/taildispatch/internal/common"
	"github.com/taildispatch/taildispatch/internal/common/health"
	"github.com/taildispatch/taildispatch/internal/dispatch"
)

type lbConfig struct {
	Listen              string        `mapstructure:"listen"`
	MetricsPort         uint16        `mapstructure:"metrics-port"`
	Workers             []string      `mapstructure:"workers"`
	Capacities          string        `mapstructure:"capacities"`
	Algorithm           string        `mapstructure:"algorithm"`
	Model               string        `mapstructure:"model"`
	ModelRequired       bool          `mapstructure:"model-required"`
	Seed                int64         `mapstructure:"seed"`
	StateUpdateInterval time.Duration `mapstructure:"state-update-interval"`
	StatePollInterval   time.Duration `mapstructure:"state-poll-interval"`
	UnhealthyTimeout    time.Duration `mapstructure:"unhealthy-timeout"`
	PendingTimeout      time.Duration `mapstructure:"pending-timeout"`
	Output              string        `mapstructure:"output"`
	Verbose             bool          `mapstructure:"verbose"`
}

func init() {
	pflag.String("listen", "0.0.0.0:31860", "Listen address")
	pflag.Uint16("metrics-port", 9002, "Prometheus metrics port")
	pflag.StringSlice("workers", nil, "Comma-separated worker addresses (required)")
	pflag.String("capacities", "", "Comma-separated per-worker capacity factors, aligned with --workers")
	pflag.String("algorithm", "po2", "Dispatch policy: po2, varmin or riskmin")
	pflag.String("model", "", "Policy artefact path")
	pflag.Bool("model-required", false, "Fail instead of falling back when the artefact does not load")
	pflag.Int64("seed", 1, "Seed for the sampling policy")
	pflag.Duration("state-update-interval", 100*time.Microsecond, "Load decay and health sweep tick")
	pflag.Duration("state-poll-interval", 10*time.Millisecond, "Worker slack-histogram pull interval")
	pflag.Duration("unhealthy-timeout", time.Second, "Silence before a worker is excluded")
	pflag.Duration("pending-timeout", 2*time.Second, "In-flight request timeout")
	pflag.String("output", "", "Metrics output directory")
	pflag.String("config", "", "Optional YAML config file")
	pflag.Bool("verbose", false, "Debug logging")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var cfg lbConfig
	common.LoadConfig(&cfg, viper.GetString("config"))
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if len(cfg.Workers) == 0 {
		log.Error("missing worker list: pass --workers host:port,host:port,...")
		pflag.Usage()
		os.Exit(common.ExitUsage)
	}
	policy, err := dispatch.ParseKind(cfg.Algorithm)
	if err != nil {
		log.Error(err)
		pflag.Usage()
		os.Exit(common.ExitUsage)
	}
	capacities, err := parseCapacities(cfg.Capacities)
	if err != nil {
		log.Error(err)
		pflag.Usage()
		os.Exit(common.ExitUsage)
	}
	if cfg.Model != "" {
		if _, err := dispatch.LoadModel(cfg.Model); err != nil {
			if cfg.ModelRequired {
				log.Error(err)
				os.Exit(common.ExitArtefactLoad)
			}
			log.WithError(err).Warn("policy artefact unusable, heuristic fallback will be used")
		}
	}

	lb, err := dispatch.NewLoadBalancer(dispatch.Config{
		ListenAddr:          cfg.Listen,
		WorkerAddrs:         cfg.Workers,
		WorkerCapacities:    capacities,
		Policy:              policy,
		ModelPath:           cfg.Model,
		Seed:                cfg.Seed,
		StateUpdateInterval: cfg.StateUpdateInterval,
		StatePollInterval:   cfg.StatePollInterval,
		UnhealthyTimeout:    cfg.UnhealthyTimeout,
		PendingTimeout:      cfg.PendingTimeout,
		OutputDir:           cfg.Output,
	})
	if err != nil {
		log.Error(err)
		os.Exit(common.ExitTransportInit)
	}

	startupComplete := health.NewStartupCompleteChecker()
	shutdownMetrics := common.ServeMetrics(cfg.MetricsPort, startupComplete)
	defer shutdownMetrics()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		log.Info("shutdown signal received")
		lb.Stop()
	}()

	startupComplete.MarkComplete()
	if err := lb.Run(); err != nil {
		log.Error(err)
		lb.ExportMetrics()
		os.Exit(common.ExitTransportInit)
	}
	lb.ExportMetrics()
}

// parseCapacities splits a comma-separated list of capacity factors.
func parseCapacities(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
