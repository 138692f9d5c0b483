package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github/martinmaurice/spoolr/internal/server"
	"github/martinmaurice/spoolr/pkg/config"
	"github/martinmaurice/spoolr/pkg/env"
	"github/martinmaurice/spoolr/pkg/metrics"
	"github/martinmaurice/spoolr/pkg/rate_limiter"
	"github/martinmaurice/spoolr/pkg/reconciler"
	"github/martinmaurice/spoolr/pkg/spool"
	"github/martinmaurice/spoolr/pkg/store"
	"log"
	"log/slog"
	"os"
	"time"
)

var (
	envFilePath        string
	disableRateLimiter bool
	drainOnly          bool
)

func init() {
	flag.StringVar(&envFilePath, "env", "", "Enter the env file path you want to load if any")
	flag.BoolVar(&disableRateLimiter, "disableRateLimiter", false, "Disable the rate limiters")
	flag.BoolVar(&drainOnly, "drain", false, "Replay one batch of the spool and exit")
}

func setupLogger(level string) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		slogLevel = slog.LevelInfo
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})))
}

func newSpool(cfg config.SpoolConfig, m *metrics.Metrics) (*spool.Spool, error) {
	return spool.New(cfg.Dir, cfg.MaxBytes,
		spool.WithDeadLetterAfter(cfg.DeadLetterAfter),
		spool.WithRotateHook(func(string) {
			m.SpoolRotations.Inc()
			m.SpoolPending.Set(0)
		}),
		spool.WithDeadLetterHook(func(count int) {
			m.SpoolDeadLetters.Add(float64(count))
		}),
	)
}

func main() {
	flag.Parse()

	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			panic(fmt.Errorf("could not be able to load the env file: %v", err))
		}
	}

	envObj := env.GetEnv()
	setupLogger(envObj.LogLevel)
	slog.Info("spoolr starting", "version", envObj.Version, "env", envObj.Env, "env_file", envFilePath)

	cfg, err := config.Load(envObj.ConfigFile)
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, envObj)
	if err != nil {
		log.Fatalf("could not open store: %v", err)
	}
	defer st.Close()

	sp, err := newSpool(cfg.Spool, m)
	if err != nil {
		log.Fatalf("could not open spool: %v", err)
	}

	driver := reconciler.New(cfg, st, sp, reconciler.WithMetrics(m))

	if drainOnly {
		applied, err := driver.Drain(ctx)
		if err != nil {
			log.Fatalf("drain failed: %v", err)
		}
		pending, _ := driver.Pending()
		slog.Info("drain done", "applied", applied, "pending", pending)
		return
	}

	if disableRateLimiter {
		slog.Warn("rate limiter is disabled")
	}

	limiter := rate_limiter.New(cfg.RateLimit, rate_limiter.WithDenyHook(func(string) {
		m.RateLimited.Inc()
	}))
	limiter.StartEviction(ctx, cfg.RateLimit.EvictionInterval)

	go driver.Run(ctx, cfg.Spool.DrainInterval)
	// replay whatever a previous run left behind
	driver.Trigger()

	srv := server.NewServer(envObj, cfg, driver, st, limiter,
		server.WithDisableRateLimiter(disableRateLimiter),
		server.WithMetrics(m),
	)
	srv.Run()

	cancel()
	driver.Wait()
	slog.Info("spoolr stopped")
}
