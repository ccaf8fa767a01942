package main

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cohort/cohort/internal/config"
	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/domain/querybuilder"
	"github.com/cohort/cohort/internal/platform/db"
	"github.com/cohort/cohort/internal/platform/fhirclient"
)

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func newQueryBuilder(cfg *config.Config) *querybuilder.Builder {
	return querybuilder.New(querybuilder.DefaultRegistry(), cfg.FHIRBaseURL)
}

func newStore(pool *pgxpool.Pool) *fhirclient.StorePG {
	return fhirclient.NewStorePG(pool)
}

func clientConfig(cfg *config.Config) fhirclient.Config {
	return fhirclient.Config{
		BaseURL:             cfg.FHIRBaseURL,
		MaxRequestsPerBatch: cfg.MaxRequestsPerBatch,
		MaxActiveRequests:   cfg.MaxActiveRequests,
		BatchTimeout:        cfg.BatchTimeout(),
		BatchEnabled:        cfg.FeatureBatch,
		RetryMax:            cfg.RetryMax,
		RetryWaitMin:        cfg.RetryWaitMin(),
		RetryWaitMax:        cfg.RetryWaitMax(),
		Timeout:             cfg.HTTPTimeout(),
		RequestsPerSecond:   cfg.RequestsPerSecond,
	}
}

func resolverOptions(cfg *config.Config) cohort.Options {
	return cohort.Options{
		PageSize:        cfg.PageSize,
		MaxActiveChecks: cfg.MaxActiveChecks,
		HasEnabled:      cfg.FeatureHas,
		CountCacheName:  cfg.CountCacheName,
	}
}

// newResponseCache keeps branch counts on their own, shorter lifetime.
func newResponseCache(cfg *config.Config, store fhirclient.Store, logger zerolog.Logger) *fhirclient.ResponseCache {
	rc := fhirclient.NewResponseCache(cfg.CacheTTL(), store, logger)
	rc.SetTTL(cfg.CountCacheName, cfg.CountCacheTTL())
	return rc
}

// app holds the components shared by serve and resolve.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	client   *fhirclient.Client
	qb       *querybuilder.Builder
	resolver *cohort.Resolver
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, qb: newQueryBuilder(cfg)}

	var store fhirclient.Store
	if cfg.HasDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store = newStore(pool)
		logger.Info().Msg("connected to database")
	}

	opts := []fhirclient.Option{
		fhirclient.WithCache(newResponseCache(cfg, store, logger)),
	}
	if cfg.BearerToken != "" {
		creds, err := fhirclient.NewBearerCredentials(cfg.BearerToken)
		if err != nil {
			a.Close()
			return nil, err
		}
		if exp := creds.ExpiresAt(); !exp.IsZero() {
			logger.Info().Time("expires_at", exp).Msg("using bearer token")
		}
		opts = append(opts, fhirclient.WithCredentials(creds))
	}

	client, err := fhirclient.New(clientConfig(cfg), logger, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client
	a.resolver = cohort.NewResolver(client, a.qb, resolverOptions(cfg), logger)
	return a, nil
}

func (a *app) Close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
