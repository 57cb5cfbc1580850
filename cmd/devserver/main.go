package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/pollsync/internal/devserver"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatal().Err(err).Str("key", k).Msg("invalid integer setting")
	}
	return n
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "poll-devserver").Logger()

	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg := devserver.Config{
		TokenSecret: env("POLL_TOKEN_SECRET", ""),
		ReturnPoll:  env("POLL_RETURN_CREATED", "false") == "true",
		RateLimit: devserver.RateLimit{
			Window:      time.Minute,
			MaxRequests: envInt("POLL_RATE_LIMIT", 600),
			Burst:       envInt("POLL_RATE_BURST", 60),
		},
	}
	if cfg.TokenSecret == "" {
		log.Warn().Msg("POLL_TOKEN_SECRET not set; tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(cfg)
	if err := srv.ListenAndServe(ctx, env("HTTP_ADDR", ":8000")); err != nil {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}

	log.Info().Msg("server stopped")
}
