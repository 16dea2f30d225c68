package main

import (
	"net/http"
	"os"
	"path"
	"time"

	"github.com/IpsoVeritas/aquiles/pkg/metrics"
	"github.com/IpsoVeritas/aquiles/pkg/server/api"
	"github.com/IpsoVeritas/aquiles/pkg/server/history"
	"github.com/IpsoVeritas/aquiles/pkg/server/sensors"
	"github.com/IpsoVeritas/aquiles/pkg/server/sessions"
	"github.com/IpsoVeritas/aquiles/pkg/version"
	"github.com/IpsoVeritas/httphandler"
	"github.com/IpsoVeritas/logger"
	"github.com/joho/godotenv"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/tylerb/graceful"
	"github.com/ulule/limiter"
	"github.com/ulule/limiter/drivers/store/memory"
)

func main() {
	_ = godotenv.Load(".env")
	viper.AutomaticEnv()
	viper.SetDefault("log_formatter", "text")
	viper.SetDefault("log_level", "debug")
	viper.SetDefault("addr", ":6519")
	viper.SetDefault("base", "http://localhost:6519")
	viper.SetDefault("require_token", false)
	viper.SetDefault("history_path", "")
	viper.SetDefault("ping_interval", "10s")
	viper.SetDefault("handshake_timeout", "10s")
	viper.SetDefault("connect_limit", 500)
	viper.SetDefault("connect_period", "5m")

	logger.SetOutput(os.Stdout)
	logger.SetFormatter(viper.GetString("log_formatter"))
	logger.SetLevel(viper.GetString("log_level"))
	logger.AddContext("service", path.Base(os.Args[0]))
	logger.AddContext("version", version.Version)

	store, err := history.Open(viper.GetString("history_path"))
	if err != nil {
		logger.Fatal(err)
	}
	defer store.Close()

	addr := viper.GetString("addr")
	server := &graceful.Server{
		Timeout: time.Duration(15) * time.Second,
		Server: &http.Server{
			Addr:    addr,
			Handler: loadHandler(store),
		},
	}

	logger.Infof("Server with version %s starting at %s", version.Version, addr)
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal(err)
	}
}

func loadHandler(store *history.Store) http.Handler {
	wrappers := httphandler.NewWrapper(false)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	serverMetrics, err := metrics.NewServerRecorder(registry)
	if err != nil {
		logger.Fatal(err)
	}

	limiterStore, err := loadLimiterStore()
	if err != nil {
		logger.Fatal(err)
	}
	connectLimiter := limiter.New(limiterStore, limiter.Rate{
		Period: viper.GetDuration("connect_period"),
		Limit:  viper.GetInt64("connect_limit"),
	})

	opts := []api.ConnectOption{
		api.WithHistory(store),
		api.WithLimiter(connectLimiter),
		api.WithServerMetrics(serverMetrics),
		api.WithPingInterval(viper.GetDuration("ping_interval")),
		api.WithHandshakeTimeout(viper.GetDuration("handshake_timeout")),
	}
	if viper.GetBool("require_token") {
		opts = append(opts, api.WithRequiredToken(viper.GetString("base")))
	} else {
		opts = append(opts, api.WithTokenBase(viper.GetString("base")))
	}

	sessionRegistry := sessions.New()
	connectController := api.NewConnectController(sessionRegistry, sensors.DefaultCatalog(), opts...)
	sessionController := api.NewSessionController(sessionRegistry)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	r := httphandler.NewRouter()
	r.GET("/", wrappers.Wrap(api.Version))
	r.GET("/sensors/connect", connectController.ConnectHandler)
	r.GET("/sessions", sessionController.List)
	r.POST("/sessions/:sessionID/suspend", sessionController.Suspend)
	r.GET("/metrics", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		metricsHandler.ServeHTTP(w, req)
	})

	return httphandler.LoadMiddlewares(r, version.Version)
}

func loadLimiterStore() (limiter.Store, error) {
	return memory.NewStore(), nil
}
