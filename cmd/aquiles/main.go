package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/aquiles/pkg/client"
	"github.com/IpsoVeritas/aquiles/pkg/fitness"
	"github.com/IpsoVeritas/aquiles/pkg/metrics"
	"github.com/IpsoVeritas/aquiles/pkg/registry"
	"github.com/IpsoVeritas/aquiles/pkg/version"
	"github.com/IpsoVeritas/httphandler"
	"github.com/IpsoVeritas/logger"
	"github.com/joho/godotenv"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/tylerb/graceful"
	jose "gopkg.in/square/go-jose.v1"
)

func main() {
	_ = godotenv.Load(".env")
	viper.AutomaticEnv()
	viper.SetDefault("log_formatter", "text")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("endpoint", "http://localhost:6519")
	viper.SetDefault("capabilities", "sensors,location")
	viper.SetDefault("data_type", string(aquiles.DataTypeLocationSample))
	viper.SetDefault("sampling_period", "10s")
	viper.SetDefault("max_connect_attempts", 5)
	viper.SetDefault("key_file", "")
	viper.SetDefault("metrics_addr", "")

	logger.SetOutput(os.Stdout)
	logger.SetFormatter(viper.GetString("log_formatter"))
	logger.SetLevel(viper.GetString("log_level"))
	logger.AddContext("service", path.Base(os.Args[0]))
	logger.AddContext("version", version.Version)

	caps, err := aquiles.ParseCapabilities(strings.Split(viper.GetString("capabilities"), ","))
	if err != nil {
		logger.Fatal(err)
	}

	opts := []client.Option{client.WithMaxConnectAttempts(viper.GetInt("max_connect_attempts"))}
	if keyFile := viper.GetString("key_file"); keyFile != "" {
		key, err := loadKey(keyFile)
		if err != nil {
			logger.Fatal(err)
		}
		opts = append(opts, client.WithKey(key))
	}

	promRegistry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(promRegistry)
	if err != nil {
		logger.Fatal(err)
	}
	var metricsServer *graceful.Server
	if addr := viper.GetString("metrics_addr"); addr != "" {
		metricsServer = newMetricsServer(addr, promRegistry)
		go func() {
			logger.Infof("Metrics available at %s/metrics", addr)
			if err := metricsServer.ListenAndServe(); err != nil {
				logger.Error(errors.Wrap(err, "metrics server stopped"))
			}
		}()
	}

	clients := registry.New(client.Factory(opts...), registry.WithMetrics(recorder))
	watcher := fitness.New(clients,
		fitness.WithDataType(aquiles.DataType(viper.GetString("data_type"))),
		fitness.WithSamplingPeriod(viper.GetDuration("sampling_period")),
	)
	if err := watcher.Start(); err != nil {
		logger.Fatal(err)
	}

	cfg := aquiles.Config{
		Endpoint:     viper.GetString("endpoint"),
		Capabilities: caps,
	}
	if err := clients.Initialize(cfg); err != nil {
		logger.Fatal(err)
	}
	logger.Infof("Client with version %s watching %s", version.Version, cfg.Endpoint)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := watcher.Stop(ctx); err != nil {
		logger.Error(err)
	}
	if err := clients.Teardown(); err != nil {
		logger.Error(err)
	}
	if metricsServer != nil {
		metricsServer.Stop(metricsServer.Timeout)
	}
}

func loadKey(file string) (*jose.JsonWebKey, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read key")
	}

	key := &jose.JsonWebKey{}
	if err := key.UnmarshalJSON(b); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal key")
	}
	return key, nil
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) *graceful.Server {
	// the client's own signal handling drives shutdown
	return &graceful.Server{
		Timeout:          time.Duration(5) * time.Second,
		NoSignalHandling: true,
		Server: &http.Server{
			Addr:    addr,
			Handler: loadMetricsHandler(gatherer),
		},
	}
}

func loadMetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})

	r := httphandler.NewRouter()
	r.GET("/metrics", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		metricsHandler.ServeHTTP(w, req)
	})

	return httphandler.LoadMiddlewares(r, version.Version)
}
