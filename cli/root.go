// Package cli wires the engagement substrate's background services:
// counter aggregation, the outbox CDC bridge, the relation event processor,
// and the user-counter self-heal sampler. There is no HTTP surface here —
// routing and request validation belong to the API gateway that embeds this
// module, not to the substrate itself.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ruiwen/engage/common"
	"github.com/ruiwen/engage/config"
	"github.com/ruiwen/engage/counter"
	"github.com/ruiwen/engage/db"
	"github.com/ruiwen/engage/events"
	"github.com/ruiwen/engage/feed"
	"github.com/ruiwen/engage/queue"
	"github.com/ruiwen/engage/ratelimit"
	"github.com/ruiwen/engage/relation"
)

// cfgFile holds the path to an optional configuration file. Every setting
// is otherwise sourced straight from the environment via config.EnvConfig;
// the file only matters for local development overrides.
var cfgFile string

// RootCmd is the engagement substrate's entry point.
var RootCmd = &cobra.Command{
	Use:   "engage",
	Short: "runs the engagement substrate's counters, relation pipeline, and feed cache workers",
	Long: `engage runs the background services behind likes, follows, and the feed:

- entity and user packed counters, fed by a partitioned counter-events bus
- the follow-relation outbox CDC bridge and its downstream read-cache processor
- the multi-tier feed cache's hot-key detector and invalidation listener
- a periodic user-counter self-heal sampler

It exposes no HTTP routes; those belong to whatever service embeds this
module as a library.`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file read into the environment before startup")
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		common.Logger.WithError(err).Warn("failed to read config file, continuing with environment only")
		return
	}
	for key, value := range viper.AllSettings() {
		if s, ok := value.(string); ok {
			_ = os.Setenv(strings.ToUpper(key), s)
		}
	}
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// run builds every collaborator from environment configuration and starts
// the long-running workers, blocking until SIGINT/SIGTERM.
func run(cmd *cobra.Command, args []string) error {
	svc, err := config.NewConfigLoader("ENGAGE").LoadAll()
	if err != nil {
		return fmt.Errorf("cli: load service config: %w", err)
	}
	common.Logger.SetLevel(parseLevel(svc.LogLevel))
	if svc.LogFormat == "json" {
		common.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	log := common.ServiceLogger(svc.Name, svc.Version)

	redisCfg := config.LoadRedisConfig("")
	pgCfg := config.LoadPostgresConfig("")
	amqpCfg := config.LoadAMQPConfig("")
	rebuildCfg := config.LoadRebuildConfig("")
	followCfg := config.LoadFollowRateLimitConfig("")
	cdcCfg := config.LoadCDCConfig("")
	feedCfg := config.LoadFeedCacheConfig("")
	hotCfg := config.LoadHotKeyConfig("")

	opts, err := redis.ParseURL(redisCfg.URL)
	if err != nil {
		return fmt.Errorf("cli: parse redis url: %w", err)
	}
	opts.PoolSize = redisCfg.PoolSize
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	posts, err := db.NewPostStore(pgCfg.DSN)
	if err != nil {
		return fmt.Errorf("cli: open post store: %w", err)
	}
	db.LogMigrationOutcome(posts.Migrate())

	pg, err := db.NewPostgresDB(pgCfg.DSN)
	if err != nil {
		return fmt.Errorf("cli: open relation pool: %w", err)
	}
	defer pg.Close()
	relations := db.NewRelationStore(pg)
	if err := relations.Migrate(context.Background()); err != nil {
		return fmt.Errorf("cli: migrate relation schema: %w", err)
	}

	bus, err := queue.Dial(amqpCfg.URL)
	if err != nil {
		return fmt.Errorf("cli: dial message bus: %w", err)
	}
	defer bus.Close()

	producer, err := events.NewProducer(bus)
	if err != nil {
		return fmt.Errorf("cli: declare counter-events topology: %w", err)
	}

	entities := counter.NewEntityCounterService(
		redisClient, producer,
		rebuildCfg.RatePermits, time.Duration(rebuildCfg.RateWindowSeconds)*time.Second,
		time.Duration(rebuildCfg.BackoffBaseMs)*time.Millisecond, time.Duration(rebuildCfg.BackoffMaxMs)*time.Millisecond,
		rebuildCfg.LockTTL,
	)

	source := newCountSourceAdapter(relations, posts, entities)
	users := counter.NewUserCounterService(redisClient, source)

	followLimiter := ratelimit.New(redisClient, followCfg.Capacity, followCfg.RatePerS, 60*time.Second)
	// Constructed here so the process that owns the message bus topology also
	// owns admission control for it; a library caller embedding this package
	// reaches the same instances through the returned services, not by
	// reconstructing them.
	_ = relation.NewWriteService(relations, followLimiter)

	if _, err := relation.NewReadService(redisClient, relations, posts, users, feedCfg.BigVFollowerFloor, 1000); err != nil {
		return fmt.Errorf("cli: build relation read service: %w", err)
	}

	origin := feed.NewOrigin(posts, entities)
	hot := feed.NewHotKeyDetector(redisClient, hotCfg)
	engine := feed.NewEngine(redisClient, origin, hot, feedCfg)
	invalidator := feed.NewInvalidationListener(engine, posts, users)
	entities.Subscribe(invalidator.Handle)

	processor := relation.NewProcessor(redisClient, users)
	if err := processor.Bind(bus); err != nil {
		return fmt.Errorf("cli: bind relation processor: %w", err)
	}

	var cdc *relation.CDCBridge
	if cdcCfg.Enabled {
		cdc, err = relation.NewCDCBridge(relations, bus, cdcCfg.BatchSize, time.Duration(cdcCfg.IntervalMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("cli: build cdc bridge: %w", err)
		}
	}

	flusher := events.NewFlusher(redisClient, entities.Folder(), counter.EntitySchema, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && err != context.Canceled {
				log.WithError(err).WithField("worker", name).Error("worker exited")
			}
		}()
	}

	spawn("aggregation-flusher", flusher.Run)
	if cdc != nil {
		spawn("cdc-bridge", cdc.Run)
	}
	spawn("relation-processor", func(ctx context.Context) error { return processor.Run(ctx, bus) })
	spawn("user-counter-sampler", func(ctx context.Context) error {
		return users.TickSampleAndHeal(ctx, feedCfg.SamplingWindow, 100)
	})
	for p := 0; p < events.Partitions; p++ {
		partition := p
		consumer := events.NewAggregationConsumer(redisClient, partition)
		spawn(fmt.Sprintf("counter-agg-%d", partition), func(ctx context.Context) error { return consumer.Run(ctx, bus) })
	}

	log.Info("engage workers started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()
	wg.Wait()
	return nil
}
