package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/taildispatch/taildispatch/internal/client"
	"github.com/taildispatch/taildispatch/internal/common"
	"github.com/taildispatch/taildispatch/internal/common/health"
	"github.com/taildispatch/taildispatch/internal/workload"
)

type clientConfig struct {
	ID                 uint8         `mapstructure:"id"`
	LB                 string        `mapstructure:"lb"`
	Listen             string        `mapstructure:"listen"`
	MetricsPort        uint16        `mapstructure:"metrics-port"`
	RPS                uint64        `mapstructure:"rps"`
	Warmup             time.Duration `mapstructure:"warmup"`
	Duration           time.Duration `mapstructure:"duration"`
	MaxInflight        int           `mapstructure:"max-inflight"`
	Distribution       string        `mapstructure:"distribution"`
	Alpha              float64       `mapstructure:"alpha"`
	MinServiceUS       float64       `mapstructure:"min-service-us"`
	DeadlineMultiplier float64       `mapstructure:"deadline-multiplier"`
	FixedDeadlineUS    uint64        `mapstructure:"fixed-deadline-us"`
	Seed               uint64        `mapstructure:"seed"`
	Output             string        `mapstructure:"output"`
	Verbose            bool          `mapstructure:"verbose"`
}

func init() {
	pflag.Uint8("id", 0, "Client id")
	pflag.String("lb", "", "Load balancer address (required)")
	pflag.String("listen", "", "Local endpoint address; defaults to an ephemeral port")
	pflag.Uint16("metrics-port", 9003, "Prometheus metrics port")
	pflag.Uint64("rps", 100000, "Target requests per second")
	pflag.Duration("warmup", 30*time.Second, "Warmup period excluded from measurement")
	pflag.Duration("duration", 120*time.Second, "Measurement period")
	pflag.Int("max-inflight", 64, "Slot pool size bounding in-flight requests")
	pflag.String("distribution", "pareto", "Service-time distribution: pareto, lognormal, bimodal or uniform")
	pflag.Float64("alpha", 1.2, "Pareto shape parameter")
	pflag.Float64("min-service-us", 10, "Minimum service time in microseconds")
	pflag.Float64("deadline-multiplier", 5.0, "Deadline = send + hint * multiplier")
	pflag.Uint64("fixed-deadline-us", 0, "Fixed deadline window; overrides the multiplier when set")
	pflag.Uint64("seed", 1, "Workload seed")
	pflag.String("output", "", "Metrics output directory")
	pflag.String("config", "", "Optional YAML config file")
	pflag.Bool("verbose", false, "Debug logging")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var cfg clientConfig
	common.LoadConfig(&cfg, viper.GetString("config"))
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if cfg.LB == "" {
		log.Error("missing load balancer address: pass --lb host:port")
		pflag.Usage()
		os.Exit(common.ExitUsage)
	}
	dist, err := workload.ParseDistribution(cfg.Distribution)
	if err != nil {
		log.Error(err)
		pflag.Usage()
		os.Exit(common.ExitUsage)
	}

	wl := workload.DefaultConfig()
	wl.Distribution = dist
	wl.ParetoAlpha = cfg.Alpha
	wl.ServiceTimeMinUS = cfg.MinServiceUS
	wl.DeadlineMultiplier = cfg.DeadlineMultiplier
	wl.FixedDeadlineUS = cfg.FixedDeadlineUS

	c, err := client.NewClient(client.Config{
		ClientID:    cfg.ID,
		LBAddr:      cfg.LB,
		ListenAddr:  cfg.Listen,
		TargetRPS:   cfg.RPS,
		Warmup:      cfg.Warmup,
		Duration:    cfg.Duration,
		MaxInflight: cfg.MaxInflight,
		Workload:    wl,
		Seed:        cfg.Seed + uint64(cfg.ID)*1000,
		OutputDir:   cfg.Output,
		Verbose:     cfg.Verbose,
	})
	if err != nil {
		log.Error(err)
		pflag.Usage()
		os.Exit(common.ExitUsage)
	}

	startupComplete := health.NewStartupCompleteChecker()
	shutdownMetrics := common.ServeMetrics(cfg.MetricsPort, startupComplete)
	defer shutdownMetrics()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		log.Info("shutdown signal received")
		c.Stop()
	}()

	startupComplete.MarkComplete()
	if err := c.Run(); err != nil {
		log.Error(err)
		c.ExportMetrics()
		os.Exit(common.ExitTransportInit)
	}
	c.ExportMetrics()
}
