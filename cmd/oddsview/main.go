package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/oddsview-terminal/oddsview/internal/config"
	"github.com/oddsview-terminal/oddsview/internal/feed"
	"github.com/oddsview-terminal/oddsview/internal/market"
	"github.com/oddsview-terminal/oddsview/internal/metadata"
	"github.com/oddsview-terminal/oddsview/internal/publish"
)

func main() {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	log.WithField("env", cfg.Env).Info("oddsview starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	assetIDs := cfg.Feed.AssetIDs
	labels := cfg.Feed.OutcomeLabels
	if len(assetIDs) == 0 {
		resolver := metadata.NewClient(cfg.Metadata.BaseURL, time.Duration(cfg.Metadata.TimeoutSec)*time.Second)
		outcomes, err := resolver.Resolve(ctx, cfg.Feed.MarketID)
		if err != nil {
			log.WithError(err).Fatal("failed to resolve market metadata")
		}
		for _, o := range outcomes {
			assetIDs = append(assetIDs, o.TokenID)
			labels = append(labels, o.Label)
		}
		log.WithFields(logrus.Fields{
			"market":   cfg.Feed.MarketID,
			"outcomes": len(outcomes),
		}).Info("resolved market metadata")
	}

	store := market.NewStore(assetIDs, labels, log)
	defer store.Close()

	feedCfg := cfg.Feed.ClientConfig()
	feedCfg.AssetIDs = assetIDs
	client := feed.New(feedCfg, store, log)
	if err := client.Connect(); err != nil {
		log.WithError(err).Fatal("failed to start feed client")
	}
	defer client.Disconnect()

	if cfg.Publish.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pub := publish.New(
			redisAdapter{rdb},
			client,
			time.Duration(cfg.Publish.IntervalMs)*time.Millisecond,
			log,
		)
		go pub.Run(ctx)
	}

	<-ctx.Done()
	log.Info("oddsview shutting down")
}

// redisAdapter narrows *redis.Client to the publisher's interface.
type redisAdapter struct {
	client *redis.Client
}

func (a redisAdapter) HSet(ctx context.Context, key string, values ...any) error {
	return a.client.HSet(ctx, key, values...).Err()
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	level := logrus.InfoLevel
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		if parsed, err := logrus.ParseLevel(strings.ToLower(s)); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)
	return logrus.NewEntry(log)
}
