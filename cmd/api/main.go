package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"eos/api/internal/app"
	"eos/api/internal/authpw"
	"eos/api/internal/config"
	"eos/api/internal/email"
	"eos/api/internal/financial"
	"eos/api/internal/logger"
	"eos/api/internal/search"
	"eos/api/internal/session"
	"eos/api/internal/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	log := logger.Setup(cfg.Dev)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("eos api stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx := log.WithContext(context.Background())

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db); err != nil {
		return err
	}
	auditDB, err := store.OpenAudit(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer auditDB.Close()

	policy := cfg.RetryPolicy()
	dataStore := store.New(db, store.NewAuditWriter(auditDB, policy), policy)

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info().Msg("using redis for sessions")
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return err
		}
		sessions = redisStore
	} else {
		log.Info().Int("size", cfg.SessionCacheSize).Msg("using in-memory sessions")
		sessions = session.NewMemoryStore(cfg.SessionCacheSize, cfg.SessionTTL)
	}
	defer sessions.Close()

	groups, err := authpw.LoadGroupRoleMap(cfg.SSOGroupMap)
	if err != nil {
		return err
	}
	authService := authpw.NewService(dataStore, cfg.BcryptCost, groups)

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
		engine = meili
	}
	searchService := search.NewService(engine, dataStore)
	defer searchService.Wait()
	if engine != nil {
		go func() {
			n, err := searchService.ReindexAll(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("initial reindex")
				return
			}
			log.Info().Int("documents", n).Msg("search index rebuilt")
		}()
	}

	var reader financial.BlobReader
	switch {
	case cfg.FinancialsBucket != "":
		minioReader, err := financial.NewMinioReader(cfg.Minio())
		if err != nil {
			return err
		}
		reader = minioReader
	case cfg.FinancialsDir != "":
		reader = financial.DirReader{Dir: cfg.FinancialsDir}
	}

	service := app.New(app.Deps{
		Store:      dataStore,
		Auth:       authService,
		Sessions:   sessions,
		Search:     searchService,
		Email:      email.NewDispatcher(email.NewService(cfg.Email()), cfg.EmailConcurrency),
		Financials: financial.NewSource(reader),
		JWTSecret:  []byte(cfg.JWTSecret),
		SessionTTL: cfg.SessionTTL,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPConfig{
		CORSOrigin:          cfg.CORSOrigin,
		TrustedEmailHeader:  cfg.TrustedEmailHeader,
		TrustedGroupsHeader: cfg.TrustedGroupsHeader,
		SSOSharedSecret:     cfg.SSOSharedSecret,
	}, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("EOS API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
