package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zoff-tech/bookfinder/pkg/broker"
	"github.com/zoff-tech/bookfinder/pkg/cache"
	"github.com/zoff-tech/bookfinder/pkg/catalog"
	"github.com/zoff-tech/bookfinder/pkg/config"
	"github.com/zoff-tech/bookfinder/pkg/cover"
	"github.com/zoff-tech/bookfinder/pkg/processor"
	"github.com/zoff-tech/bookfinder/pkg/search"
	"github.com/zoff-tech/bookfinder/pkg/slug"
	"github.com/zoff-tech/bookfinder/pkg/store"
	"github.com/zoff-tech/bookfinder/pkg/upsert"
)

// app holds the wired components for one process.
type app struct {
	db      *sql.DB
	books   *store.BookRepository
	outbox  *store.PostgresRepository
	broker  broker.MessageBroker
	pool    *upsert.Pool
	search  *search.Service
	relay   *processor.OutboxRelay
	archive *processor.Archiver
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type wiring struct {
	search bool
	relay  bool
}

func buildApp(ctx context.Context, cfg *config.Settings, logger *slog.Logger, w wiring) (*app, error) {
	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{
		db:     db,
		books:  store.NewBookRepository(db),
		outbox: store.NewPostgresRepository(db),
	}
	a.closers = append(a.closers, db.Close)

	b, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init broker: %w", err)
	}
	a.broker = b
	a.closers = append(a.closers, b.Close)

	if w.search {
		if err := a.wireSearch(ctx, cfg, logger); err != nil {
			a.Close()
			return nil, err
		}
	}
	if w.relay {
		if err := a.wireRelay(ctx, cfg, logger); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) wireSearch(ctx context.Context, cfg *config.Settings, logger *slog.Logger) error {
	var responses, pages cache.Cache = cache.Nop{}, cache.Nop{}
	if cfg.Cache.RedisURL != "" {
		client, err := cache.NewRedisClient(cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, caching disabled", slog.Any("error", err))
		} else {
			responses = cache.NewRedisCache(client, "catalog")
			pages = cache.NewRedisCache(client, "search")
		}
	}

	httpClient := &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	providerOptions := func(p config.CatalogProvider) catalog.Options {
		return catalog.Options{
			BaseURL:           p.BaseURL,
			APIKey:            p.APIKey,
			UserAgent:         cfg.Providers.UserAgent,
			RequestsPerSecond: p.RequestsPerSecond,
			PageSize:          p.PageSize,
			CacheTTL:          p.CacheTTL,
			HTTPClient:        httpClient,
			Cache:             responses,
			Logger:            logger,
		}
	}
	providers := []catalog.Client{
		catalog.NewGoogleBooksClient(providerOptions(cfg.Providers.GoogleBooks)),
		catalog.NewOpenLibraryClient(providerOptions(cfg.Providers.OpenLibrary), ""),
	}

	resolverOpts := []upsert.ResolverOption{upsert.WithLogger(logger)}
	if cfg.Upsert.InspectCovers {
		resolverOpts = append(resolverOpts, upsert.WithInspector(cover.NewInspector(httpClient)))
	}
	resolver := upsert.NewResolver(a.books, a.outbox, slug.NewAllocator(a.books), resolverOpts...)
	a.pool = upsert.NewPool(resolver, upsert.PoolOptions{
		Workers:   cfg.Upsert.Workers,
		QueueSize: cfg.Upsert.QueueSize,
		Timeout:   cfg.Upsert.Timeout,
		Logger:    logger,
	})
	a.pool.Start(context.WithoutCancel(ctx))
	a.closers = append(a.closers, func() error {
		a.search.Wait()
		a.pool.Close()
		return nil
	})

	opts := []search.Option{
		search.WithLogger(logger),
		search.WithResolver(a.books),
		search.WithPersister(a.pool),
		search.WithCache(pages, cfg.Cache.PageTTL),
		search.WithProviderTimeout(cfg.Search.ProviderTimeout),
		search.WithStoreTimeout(cfg.Search.StoreTimeout),
		search.WithOverFetchFactor(cfg.Search.OverFetchFactor),
	}
	if cfg.Search.Realtime {
		opts = append(opts, search.WithRealtime(a.broker, cfg.Search.RealtimeTopic))
	}
	a.search = search.NewService(a.books, providers, opts...)
	return nil
}

func (a *app) wireRelay(ctx context.Context, cfg *config.Settings, logger *slog.Logger) error {
	a.relay = processor.NewOutboxRelay(a.outbox, a.broker, cfg.Relay, processor.WithRelayLogger(logger))
	if !cfg.Archive.Enabled {
		return nil
	}

	client, err := store.ConnectMongo(ctx, cfg.Archive.URI)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return disconnect(client) })
	sink := store.NewMongoArchive(client, cfg.Archive.DBName, cfg.Archive.Collection)
	if err := sink.EnsureIndexes(ctx); err != nil {
		logger.Warn("archive indexes not ensured", slog.Any("error", err))
	}
	a.archive = processor.NewArchiver(a.outbox, sink, cfg.Archive, logger)
	return nil
}

func disconnect(client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Disconnect(ctx)
}
