package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/taildispatch/taildispatch/internal/common"
	"github.com/taildispatch/taildispatch/internal/common/health"
	"github.com/taildispatch/taildispatch/internal/edf"
	"github.com/taildispatch/taildispatch/internal/worker"
)

type workerConfig struct {
	ID              uint8         `mapstructure:"id"`
	Listen          string        `mapstructure:"listen"`
	MetricsPort     uint16        `mapstructure:"metrics-port"`
	Queue           string        `mapstructure:"queue"`
	ComputeThreads  int           `mapstructure:"compute-threads"`
	Capacity        float64       `mapstructure:"capacity"`
	ArtificialDelay time.Duration `mapstructure:"artificial-delay"`
	Output          string        `mapstructure:"output"`
	Verbose         bool          `mapstructure:"verbose"`
}

func init() {
	pflag.Uint8("id", 0, "Worker id")
	pflag.String("listen", "0.0.0.0:31850", "Listen address")
	pflag.Uint16("metrics-port", 9001, "Prometheus metrics port")
	pflag.String("queue", "fcfs", "Ready-queue variant: fcfs, edf or edf-wheel")
	pflag.Int("compute-threads", 4, "Compute pool size")
	pflag.Float64("capacity", 1.0, "Capacity factor in (0,1]; below 1 models a slow node")
	pflag.Duration("artificial-delay", 0, "Extra busy-wait per request for heterogeneity injection")
	pflag.String("output", "", "Metrics output directory")
	pflag.String("config", "", "Optional YAML config file")
	pflag.Bool("verbose", false, "Debug logging")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var cfg workerConfig
	common.LoadConfig(&cfg, viper.GetString("config"))
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	variant, err := edf.ParseVariant(cfg.Queue)
	if err != nil {
		log.Error(err)
		pflag.Usage()
		os.Exit(common.ExitUsage)
	}

	w, err := worker.NewWorker(worker.Config{
		ListenAddr:      cfg.Listen,
		WorkerID:        cfg.ID,
		ComputeThreads:  cfg.ComputeThreads,
		QueueVariant:    variant,
		CapacityFactor:  cfg.Capacity,
		ArtificialDelay: cfg.ArtificialDelay,
		OutputDir:       cfg.Output,
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
		w.Stop()
	}()

	startupComplete.MarkComplete()
	if err := w.Run(); err != nil {
		log.Error(err)
		w.ExportMetrics()
		os.Exit(common.ExitTransportInit)
	}
	w.ExportMetrics()
}
