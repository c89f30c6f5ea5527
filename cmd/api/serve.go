package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"margin/api/internal/app"
	"margin/api/internal/config"
	"margin/api/internal/email"
	"margin/api/internal/live"
	"margin/api/internal/search"
	"margin/api/internal/session"
	"margin/api/internal/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run migrations and start the HTTP API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "Use an in-memory store seeded with a demo class instead of Postgres",
			},
		},
		Action: func(c *cli.Context) error {
			return serve(c.Context, loadedConfig(c), c.Bool("memory"))
		},
	}
}

// backend owns every process-wide collaborator and closes them in reverse
// order of creation.
type backend struct {
	service *app.Service
	closers []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close resource")
		}
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}

func newBackend(ctx context.Context, cfg config.Config, memory bool) (*backend, error) {
	b := &backend{}
	opts := app.Options{
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		feed, err := live.NewRedisFeed(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		b.closers = append(b.closers, feed.Close)
		opts.Feed = feed

		revocations, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		b.closers = append(b.closers, revocations.Close)
		opts.Revoker = revocations
		log.Info().Msg("using redis for live events and session revocation")
	} else {
		log.Info().Msg("redis not configured; live events are process-local and sign-out does not revoke tokens")
	}

	if memory {
		mem := store.NewMemoryStore()
		b.service = app.New(cfg, mem, opts)
		if err := seedDemo(ctx, mem); err != nil {
			b.Close()
			return nil, err
		}
		log.Warn().Msg("running with in-memory store; data is lost on exit")
		return b, nil
	}

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.closers = append(b.closers, db.Close)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		b.closers = append(b.closers, func() error { meili.Close(); return nil })
	}
	searchService := search.NewService(meili, search.NewPgFTS(db))
	opts.Search = searchService
	if meili != nil {
		go searchService.ReindexAllFromPG(context.Background())
	}

	b.service = app.New(cfg, store.NewPostgresStore(db), opts)
	return b, nil
}

func serve(ctx context.Context, cfg config.Config, memory bool) error {
	b, err := newBackend(ctx, cfg, memory)
	if err != nil {
		return err
	}
	defer b.Close()

	httpServer := app.NewHTTPServer(b.service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the events endpoint holds its response open.
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("margin api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
