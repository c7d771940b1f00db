package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fxpulse/engine/internal/broker"
	"github.com/fxpulse/engine/internal/cache"
	"github.com/fxpulse/engine/internal/config"
	"github.com/fxpulse/engine/internal/database"
	"github.com/fxpulse/engine/internal/domain"
	"github.com/fxpulse/engine/internal/fanout"
	"github.com/fxpulse/engine/internal/jobs"
	"github.com/fxpulse/engine/internal/scheduler"
	"github.com/fxpulse/engine/internal/server"
	"github.com/fxpulse/engine/internal/store"
	"github.com/fxpulse/engine/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{
		Level:  "info",
		Pretty: true,
	})

	log.Info().Msg("starting fxpulse engine")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	// Store/cache init failures are unrecoverable infrastructure failures,
	// not config errors — spec §6 reserves exit code 2 for them specifically
	// (1 is config.Load's failure above), so these bypass log.Fatal (which
	// always exits 1) in favor of an explicit log + os.Exit(2).
	db, err := database.New(cfg.StoreDSN)
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		os.Exit(2)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Error().Err(err).Msg("failed to run migrations")
		os.Exit(2)
	}

	st := store.New(db, log)

	ch, err := cache.New(cfg.CacheAddr, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to cache")
		os.Exit(2)
	}
	defer ch.Close()

	if err := ch.Ping(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to connect to cache")
		os.Exit(2)
	}

	bk := broker.New(cfg.BaseURL(), cfg.BrokerToken, cfg.TrackedPairs, cfg.RateLimitRequests, cfg.RateLimitWindow)

	instruments := classifyUniverse(cfg.TrackedPairs)

	sched := scheduler.New(log)
	sched.Start()

	if cfg.JobHourlyEnabled {
		hourlyJob := jobs.NewHourlyJob(bk, st, ch, log, instruments, cfg.VolatilityThreshold, cfg.CacheTTLPrices, cfg.CacheTTLMetrics, 8)
		if err := sched.Register(scheduler.JobSpec{
			Job:      hourlyJob,
			CronExpr: "0 * * * *",
			Grace:    10 * time.Minute,
			Deadline: 5 * time.Minute,
			Nominal:  scheduler.HourlyNominal,
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to register hourly job")
		}
	}

	if cfg.JobDailyEnabled {
		dailyJob := jobs.NewDailyCorrelationJob(st, ch, log, fxAndMetalOnly(instruments), cfg.CorrelationThreshold, cfg.CacheTTLCorrelation)
		if err := sched.Register(scheduler.JobSpec{
			Job:      dailyJob,
			CronExpr: "0 0 * * *",
			Grace:    2 * time.Hour,
			Deadline: 30 * time.Minute,
			Nominal:  scheduler.DailyNominal,
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to register daily correlation job")
		}
	}

	fanoutCfg := fanout.DefaultConfig()
	fanoutCfg.MaxSessions = cfg.FanoutMaxClients
	fanoutCfg.PingInterval = cfg.FanoutPingInterval
	fanoutCfg.PingTimeout = cfg.FanoutPingTimeout
	fanoutSrv := fanout.New(ch, log, cfg.TrackedPairs, fanoutCfg)

	fanoutCtx, cancelFanout := context.WithCancel(context.Background())
	go func() {
		if err := fanoutSrv.Run(fanoutCtx); err != nil {
			log.Error().Err(err).Msg("fanout server stopped unexpectedly")
		}
	}()

	httpSrv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		Fanout:  fanoutSrv,
		DevMode: cfg.DevMode,
	})

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	log.Info().Int("port", cfg.Port).Int("instruments", len(instruments)).Msg("engine started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")

	// Stop accepting new cron ticks and let in-flight jobs drain first, so
	// a job mid-write never races the database/cache handles closing below.
	sched.Stop(30 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	cancelFanout()

	log.Info().Msg("engine stopped")
}

// classifyUniverse tags each tracked symbol with its asset class.
// TRACKED_PAIRS is restricted to FX ∪ METAL by spec; metals are
// identified by their standard XAU/XAG prefixes, FX is the default.
func classifyUniverse(symbols []string) []domain.Instrument {
	out := make([]domain.Instrument, 0, len(symbols))
	for _, sym := range symbols {
		class := domain.AssetClassFX
		if strings.HasPrefix(sym, "XAU") || strings.HasPrefix(sym, "XAG") {
			class = domain.AssetClassMetal
		}
		out = append(out, domain.Instrument{Symbol: sym, AssetClass: class})
	}
	return out
}

// fxAndMetalOnly restricts the universe to the subset that participates
// in correlation, per spec §3 (CFD instruments, were any configured,
// would be excluded here).
func fxAndMetalOnly(instruments []domain.Instrument) []domain.Instrument {
	out := make([]domain.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if inst.AssetClass == domain.AssetClassFX || inst.AssetClass == domain.AssetClassMetal {
			out = append(out, inst)
		}
	}
	return out
}
