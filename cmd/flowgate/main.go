package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dewolfe/flowgate/internal/config"
	"github.com/dewolfe/flowgate/internal/flow"
	"github.com/dewolfe/flowgate/internal/flow/memory"
	"github.com/dewolfe/flowgate/internal/gateway"
	"github.com/dewolfe/flowgate/internal/obs"
	"github.com/dewolfe/flowgate/internal/proxy"
	"github.com/dewolfe/flowgate/internal/routing"
	"github.com/dewolfe/flowgate/internal/stats"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		bootLogger := obs.SetupLogger("info")
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("config", *cfgPath).Msg("starting flowgate")

	ctx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	// flow limiters
	shaper := flow.New(memory.New(), flow.WithObserver(metrics))
	defer shaper.Close()
	for _, f := range cfg.Shaping.Flows {
		if err := shaper.Create(f.Name, f.Limit, f.Interval()); err != nil {
			logger.Fatal().Err(err).Str("flow", f.Name).Msg("create flow limiter")
		}
		logger.Info().Str("flow", f.Name).Int64("limit", f.Limit).
			Dur("interval", f.Interval()).Msg("flow limiter ready")
	}

	// routing table
	router := routing.New()
	for _, rt := range cfg.Routes {
		up, err := url.Parse(rt.Upstream.URL)
		if err != nil {
			logger.Fatal().Err(err).Str("route", rt.ID).Msg("parse upstream url")
		}
		methods := make(map[string]struct{}, len(rt.Match.Methods))
		for _, m := range rt.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		router.Add(&routing.Route{
			ID:      rt.ID,
			Methods: methods,
			Prefix:  rt.Match.PathPrefix,
			UpURL:   up,
			Timeout: time.Duration(rt.Upstream.TimeoutMS) * time.Millisecond,
			Flow:    rt.Flow,
		})
	}

	keyFn := gateway.DefaultKeyFunc(cfg.Guard.KeyHeader, cfg.Guard.TrustXFF)

	// admission stats: Redis when configured, in-memory otherwise
	var recorder stats.Recorder
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts := []stats.RedisOption{stats.WithTTL(cfg.Redis.StatsTTL())}
		if cfg.Redis.StatsPrefix != "" {
			opts = append(opts, stats.WithPrefix(cfg.Redis.StatsPrefix))
		}
		recorder = stats.NewRedisStore(rdb, opts...)
		defer rdb.Close()
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("admission stats in redis")
	} else {
		recorder = stats.NewMemoryStore()
	}

	skip := map[string]struct{}{
		"/healthz":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", proxy.Handler(proxy.NewHTTPTransport()))

	// Request metrics sit inside RouteMatcher so they see the matched
	// route; the guard is only wired when a per-client rate is configured.
	mws := []gateway.Middleware{
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.RouteMatcher(router, skip),
		metrics.Middleware(skip),
	}
	if cfg.Guard.RPS > 0 {
		guardStore := gateway.NewGuardStore(cfg.Guard.RPS, cfg.Guard.Burst, cfg.Guard.IdleTTL())
		guardStore.StartJanitor(ctx, 2*time.Minute)
		mws = append(mws, gateway.Guard(guardStore, keyFn, skip, func(routeID string) {
			metrics.GuardRejected.WithLabelValues(routeID).Inc()
		}))
	} else {
		logger.Info().Msg("per-client guard disabled")
	}
	mws = append(mws, gateway.Shape(gateway.ShapeOptions{
		Shaper: shaper,
		Cost:   gateway.SizeCost(cfg.Shaping.CostDivisor, cfg.Shaping.MaxCost),
		KeyFn:  keyFn,
		Stats:  recorder,
		OnWait: metrics.ObserveWait,
		Skip:   skip,
	}))
	handler := gateway.Chain(mux, mws...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}
