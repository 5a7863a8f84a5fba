package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/services/pipeline-service/internal/analyzer"
	"github.com/stoik/mailsift/services/pipeline-service/internal/api"
	"github.com/stoik/mailsift/services/pipeline-service/internal/classifier"
	"github.com/stoik/mailsift/services/pipeline-service/internal/config"
	"github.com/stoik/mailsift/services/pipeline-service/internal/db"
	"github.com/stoik/mailsift/services/pipeline-service/internal/eventcache"
	"github.com/stoik/mailsift/services/pipeline-service/internal/fetcher"
	"github.com/stoik/mailsift/services/pipeline-service/internal/guard"
	"github.com/stoik/mailsift/services/pipeline-service/internal/pipeline"
	"github.com/stoik/mailsift/services/pipeline-service/internal/provider"
	"github.com/stoik/mailsift/services/pipeline-service/internal/scheduler"
	"github.com/stoik/mailsift/services/pipeline-service/internal/store"
)

// components holds every long-lived handle of the process. It is built once
// per command and closed when the command returns.
type components struct {
	store     store.Store
	redis     *redis.Client
	creds     *provider.StoreCredentials
	fetcher   *fetcher.Fetcher
	scheduler *scheduler.Service
	handler   *api.Handler
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		pool, err := db.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return store.NewPostgresStore(pool), nil
	}
}

func newGuard(ctx context.Context, cfg config.GuardConfig, log logrus.FieldLogger) (guard.Guard, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		return guard.NewLocal(), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return guard.NewRedis(client, cfg.TTL, log), client, nil
}

func build(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*components, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	g, rdb, err := newGuard(ctx, cfg.Guard, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	oauth := provider.NewOAuthConfig(cfg.Google)
	creds := provider.NewStoreCredentials(st.Credentials(), oauth, cfg.Google.Timeout, log)
	mail := provider.NewGmailTransport(oauth, log)
	calendar := provider.NewGoogleCalendar(oauth, cfg.Calendar.ID, cfg.Calendar.Timeout, log)

	f := fetcher.New(mail, st.Messages(), cfg.Fetch.Timeout, log)
	cls := classifier.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout, log)
	gen := analyzer.NewGeminiClient(cfg.Generator.URL, cfg.Generator.APIKey, cfg.Generator.Model, cfg.Generator.Timeout)
	events := eventcache.New(st.Events(), calendar, loc, log)
	an := analyzer.New(gen, events, log)

	orch := pipeline.New(creds, f, st.Messages(), cls, an, cfg.Fetch.Limit, log)
	sched := scheduler.NewService(st.Credentials(), orch, g, st.Messages(), st.Events(), cfg.Scheduler, log)

	return &components{
		store:     st,
		redis:     rdb,
		creds:     creds,
		fetcher:   f,
		scheduler: sched,
		handler:   api.NewHandler(sched, creds, f, st.Messages(), log),
	}, nil
}

func (c *components) Close() {
	if c.redis != nil {
		c.redis.Close()
	}
	c.store.Close()
}
