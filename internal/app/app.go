// Package app wires the engine and its collaborators from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gigmarket/internal/config"
	"gigmarket/internal/currency"
	"gigmarket/internal/db"
	"gigmarket/internal/engine"
	"gigmarket/internal/migrate"
	"gigmarket/internal/notify"
	"gigmarket/internal/pubsub"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    *logrus.Logger
	Redis  *redis.Client
	Broker pubsub.Broker

	closers []func() error
}

// LoadConfig reads path when given, the workspace gigmarket.yml otherwise,
// and falls back to defaults when neither exists.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open migrates the workspace database and builds the engine. Redis is used
// for chat fan-out and notifications when redis.addr is set; the rate
// provider is used when currency.provider_url is set.
func Open(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Log: log}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	eng := engine.New(conn, cfg)
	eng.Log = log
	dispatchers := notify.Multi{notify.Log{Logger: log}}
	if cfg.Redis.Addr != "" {
		client, err := pubsub.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		a.Broker = pubsub.Redis{Client: client, Prefix: cfg.Redis.ChannelPrefix}
		a.closers = append(a.closers, client.Close)
		dispatchers = append(dispatchers, notify.Redis{Client: client, Prefix: cfg.Redis.ChannelPrefix})
	} else {
		local := pubsub.NewLocal()
		a.Broker = local
		a.closers = append(a.closers, local.Close)
	}
	eng.Notifier = dispatchers

	if cfg.Currency.ProviderURL != "" {
		fallback, err := currency.StaticFromConfig(cfg.Currency)
		if err != nil {
			a.Close()
			return nil, err
		}
		provider := currency.NewProvider(currency.ProviderOptions{
			URL:               cfg.Currency.ProviderURL,
			Base:              cfg.Currency.Base,
			CacheTTL:          cfg.Currency.CacheTTL,
			RequestsPerSecond: cfg.Currency.RequestsPerSecond,
			Fallback:          fallback,
			Logger:            log.WithField("component", "currency"),
		})
		if cfg.Currency.Refresh != "" {
			sched, err := provider.StartRefresh(cfg.Currency.Refresh)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.closers = append(a.closers, func() error {
				<-sched.Stop().Done()
				return nil
			})
		}
		eng.Converter = provider
	}

	if _, err := eng.EnsureSiteWallet(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("site wallet: %w", err)
	}
	a.Engine = eng
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
