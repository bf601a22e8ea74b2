package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"polichat/internal/app"
	"polichat/internal/config"
	"polichat/internal/ratelimit"
	"polichat/internal/server"
	"polichat/internal/sysinfo"
	"polichat/internal/util"
	"polichat/pkg/ai"
	"polichat/pkg/events"
	"polichat/pkg/search"
	"polichat/pkg/speech"
	"polichat/pkg/storage"
	"polichat/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "polichat")

	dataStore, err := store.NewGormStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var revoker store.TokenRevoker
	if cfg.RedisAddr != "" {
		revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		revoker = store.NewMemoryTokenRevoker()
	}
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret,
		time.Duration(cfg.TokenTTLMinutes)*time.Minute, revoker, store.JWTOptions{})
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}

	appCfg := app.Config{
		Store:    dataStore,
		Sessions: sessions,
		Gateway:  ai.NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel),
		Searcher: search.NewDuckDuckGoClient(""),

		SystemPrompt: cfg.SystemPrompt,
	}
	if cfg.WhisperBaseURL != "" {
		appCfg.Transcriber = speech.NewWhisperClient(cfg.WhisperBaseURL, cfg.WhisperModel)
	}
	if cfg.TTSBaseURL != "" {
		appCfg.Synthesizer = speech.NewTTSClient(cfg.TTSBaseURL, cfg.TTSModel, cfg.TTSVoice)
	}
	if cfg.MinioEndpoint != "" {
		archive, err := storage.NewMinioArchive(cfg.MinioEndpoint, cfg.MinioAccessKey,
			cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init audio archive: %v", err)
		}
		appCfg.Archive = archive
	}
	var publisher *events.AMQPPublisher
	if cfg.AMQPURL != "" {
		publisher, err = events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer publisher.Close()
		appCfg.Events = publisher
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	window := time.Duration(cfg.AuthRateWindowSeconds) * time.Second
	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword,
			"", cfg.AuthRateLimit, window)
	} else {
		limiter, err = ratelimit.NewMemoryFixedWindowLimiter(cfg.AuthRateLimit, window)
	}
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		Sampler:        sysinfo.NewSampler(sysinfo.NvidiaSMIProbe{}),
		AuthLimiter:    limiter,
		TrustedProxies: trusted,
		CORSOrigin:     cfg.CORSOrigin,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: chat responses stream for as long as the
		// model keeps producing tokens.
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
