package restlet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/restlet/pkg/config"
	pg "github.com/edgeflare/restlet/pkg/pgx"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
	rest "github.com/edgeflare/restlet/pkg/restlet"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// backend is a connected application with its resources declared.
type backend struct {
	pool  *pgxpool.Pool
	cache *schema.Cache
	app   *rest.Application
}

func (b *backend) Close() {
	b.cache.Close()
	b.pool.Close()
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.Postgres.ConnString == "" {
		return nil, errors.New("postgres.connString is required (flag -c or RESTLET_POSTGRES_CONNSTRING)")
	}

	pool, err := pg.Connect(ctx, pg.PoolOptions{
		ConnString:     cfg.Postgres.ConnString,
		MaxElapsedTime: cfg.Postgres.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	cache := schema.NewCache(pool, logger.Named("schema"))
	if err := cache.Init(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema cache: %w", err)
	}
	b := &backend{pool: pool, cache: cache}

	info := cfg.OpenAPI
	if info.ServerURL == "" {
		info.ServerURL = cfg.Server.BaseURL
	}
	b.app = rest.NewApplication(rest.NewPgStore(pool), cache,
		rest.WithLogger(logger.Named("restlet")),
		rest.WithCountTTL(cfg.CountTTL),
		rest.WithOpenAPIInfo(info),
	)

	if err := declare(b.app, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// followSchema re-resolves the resources of app after every schema reload
// until updates is closed.
func followSchema(updates <-chan map[string]schema.Table, app *rest.Application, logger *zap.Logger) {
	for tables := range updates {
		if err := app.Reload(); err != nil {
			logger.Warn("resources not reloaded", zap.Error(err))
			continue
		}
		logger.Info("schema reloaded", zap.Int("tables", len(tables)))
	}
}

// declare registers configured resources, then plain tables, then redirects.
func declare(app *rest.Application, cfg *config.Config) error {
	var errs []error
	for _, d := range cfg.Resources {
		if _, err := app.Declare(d); err != nil {
			errs = append(errs, err)
		}
	}
	for _, table := range cfg.Postgres.Tables {
		_, name := schema.SplitName(table)
		if _, err := app.RouteTo(table, "/"+name); err != nil {
			errs = append(errs, err)
		}
	}
	for from, to := range cfg.Redirects {
		if err := app.Redirect(from, to); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func methods(h *rest.Handler) string {
	return strings.Join(h.Policy().AllowedMethods(), ",")
}
