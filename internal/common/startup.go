package common

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/taildispatch/taildispatch/internal/common/health"
)

// Exit codes shared by the three binaries.
const (
	ExitOK            = 0
	ExitUsage         = 1
	ExitTransportInit = 2
	ExitArtefactLoad  = 3
)

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// BindCommandlineArguments exposes every defined flag through viper so a
// config file and the command line share one namespace.
func BindCommandlineArguments() {
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		log.Error(err)
		os.Exit(ExitUsage)
	}
}

// LoadConfig unmarshals viper state, optionally merged from a YAML file,
// into the typed config struct. Flag values override file values.
func LoadConfig(config interface{}, configPath string) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			log.Error(err)
			os.Exit(ExitUsage)
		}
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Error(err)
		os.Exit(ExitUsage)
	}
}

// Fatal prints a startup-level error and exits with the given code.
func Fatal(code int, format string, args ...interface{}) {
	log.Errorf(format, args...)
	os.Exit(code)
}

// ServeMetrics exposes prometheus metrics and the health endpoint on the
// given port, returning a shutdown function.
func ServeMetrics(port uint16, checker health.Checker) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		health.SetupHttpMux(mux, checker)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return func() { _ = srv.Close() }
}
