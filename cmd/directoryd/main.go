package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/oceangrid/dirsync/internal/apihttp"
	"github.com/oceangrid/dirsync/internal/cache"
	"github.com/oceangrid/dirsync/internal/directory"
	"github.com/oceangrid/dirsync/internal/directory/inmemory"
	"github.com/oceangrid/dirsync/internal/directory/postgres"
	"github.com/oceangrid/dirsync/internal/events"
	"github.com/oceangrid/dirsync/internal/fetcher"
	"github.com/oceangrid/dirsync/internal/hierarchy"
	"github.com/oceangrid/dirsync/internal/metrics"
	"github.com/oceangrid/dirsync/internal/reconciler"
	registry "github.com/oceangrid/dirsync/internal/registry/etcd"
	"github.com/oceangrid/dirsync/internal/rules"
	"github.com/oceangrid/dirsync/internal/scheduler"
	"github.com/oceangrid/dirsync/internal/strategy"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	InstanceID  string `envconfig:"INSTANCE_ID"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL"`

	APIAddr string `envconfig:"API_ADDR"`

	// Storage is "memory" or "postgres".
	Storage          string `envconfig:"STORAGE,default=memory"`
	DatabaseHost     string `envconfig:"DATABASE_HOST,optional"`
	DatabaseUser     string `envconfig:"DATABASE_USER,optional"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD,optional"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT,optional"`

	EtcdAddr string `envconfig:"ETCD_ADDR,optional"`

	QueueAddr           string        `envconfig:"QUEUE_ADDR,optional"`
	QueueTopic          string        `envconfig:"QUEUE_CHANGE_EVENTS_TOPIC,optional"`
	QueueResendInterval time.Duration `envconfig:"QUEUE_RESEND_INTERVAL,default=10s"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`

	FetchTimeout     time.Duration `envconfig:"FETCH_TIMEOUT,default=5s"`
	EntryTTL         time.Duration `envconfig:"ENTRY_TTL,default=30m"`
	CacheTTL         time.Duration `envconfig:"CACHE_TTL,default=15m"`
	OfflineThreshold int           `envconfig:"OFFLINE_THRESHOLD,default=3"`
	TTLCheckInterval time.Duration `envconfig:"TTL_CHECK_INTERVAL,default=1m"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	log.Warn().Msgf("running directoryd instance %s", appCfg.InstanceID)

	var met metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		met = metrics.NewStatsd(appCfg.InstanceID, appCfg.StatsdAddr)
	}

	var repo directory.Repository
	switch appCfg.Storage {
	case "postgres":
		repo, err = postgres.NewRepo(
			ctx,
			appCfg.DatabaseUser,
			appCfg.DatabasePassword,
			appCfg.DatabaseHost,
			appCfg.DatabasePort,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init postgres directory repository")
		}
	case "memory":
		repo = inmemory.New()
	default:
		log.Fatal().Msgf("unknown storage backend %q", appCfg.Storage)
	}

	tree := hierarchy.NewStore()
	var ready atomic.Bool
	if appCfg.EtcdAddr != "" {
		reg, err := registry.NewRegistry(appCfg.EtcdAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to node registry")
		}
		defer reg.Close()

		watcher := registry.NewWatcher(reg, tree, log.Logger)
		if err := watcher.Sync(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to load node registry")
		}
		go func() {
			err := watcher.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Fatal().Err(err).Msg("registry watcher failed")
			}
		}()
		ready.Store(true)
	} else {
		log.Warn().Msg("no registry configured, starting with an empty hierarchy")
		ready.Store(true)
	}

	var sinks []events.Sink
	if appCfg.QueueAddr != "" {
		publisher := events.NewPublisher(appCfg.QueueAddr, appCfg.QueueTopic, appCfg.QueueResendInterval)
		defer publisher.Close()
		go publisher.Run(ctx)
		sinks = append(sinks, publisher)
	}

	cacheStore := cache.NewStore(repo, log.Logger)
	repopulator := fetcher.NewRepopulator(tree, appCfg.FetchTimeout)
	strategyEngine := strategy.NewEngine(repopulator, repo, cacheStore, appCfg.CacheTTL, log.Logger)
	go strategyEngine.RunScheduledRefreshes(ctx)

	ruleEngine := rules.NewEngine(cacheStore, strategyEngine, log.Logger)
	sinks = append(sinks, rules.NewChangeSink(ruleEngine))

	dispatcher := events.NewDispatcher(log.Logger, sinks...)

	capFetcher := fetcher.New(appCfg.FetchTimeout)
	rec := reconciler.New(
		tree,
		capFetcher,
		repo,
		dispatcher,
		appCfg.EntryTTL,
		appCfg.OfflineThreshold,
		log.Logger,
	)

	sched := scheduler.New(ctx, tree, rec, repo, dispatcher, met, log.Logger)
	go sched.RunTTLMonitor(ctx, appCfg.TTLCheckInterval, ruleEngine)

	api := apihttp.NewServer(
		sched,
		cacheStore,
		ruleEngine,
		strategyEngine,
		ready.Load,
		met,
		log.Logger,
	)
	go func() {
		err := api.Run(ctx, appCfg.APIAddr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to run api server")
		}
	}()

	<-ctx.Done()
}
