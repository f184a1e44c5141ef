package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/auth"
	"peerconnect-server/internal/config"
	"peerconnect-server/internal/logging"
	"peerconnect-server/internal/server"
	"peerconnect-server/internal/store"
)

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	cfg, err = config.ApplyFlags(cfg, os.Args[1:])
	if err != nil {
		boot.Fatal().Err(err).Msg("parse flags")
	}

	log, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		boot.Fatal().Err(err).Msg("init logger")
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.RedisURL, store.Options{Prefix: cfg.KeyPrefix, Timeout: cfg.StoreTimeout})
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	processID := cfg.ProcessID
	if processID == "" {
		processID = uuid.NewString()
	}

	tokens := auth.DefaultTokenConfig(cfg.TokenSecret)
	tokens.Issuer = cfg.TokenIssuer

	app := server.NewApp(st, server.Options{
		ProcessID:          processID,
		Verifier:           auth.JWTVerifier{Config: tokens},
		AllowedOrigins:     cfg.AllowedOrigins,
		HandshakeRateLimit: cfg.HandshakeRateLimit,
		HeartbeatInterval:  cfg.HeartbeatInterval,
	}, log)
	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start routing")
	}

	if err := server.Run(ctx, cfg, app, log); err != nil {
		log.Error().Err(err).Msg("server stopped")
		stop()
		_ = st.Close()
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}
