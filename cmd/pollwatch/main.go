package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/pollsync/internal/client"
	"github.com/erauner12/pollsync/internal/config"
	"github.com/erauner12/pollsync/internal/credentials"
	"github.com/erauner12/pollsync/internal/polllist"
	"github.com/erauner12/pollsync/internal/syncchan"
)

const (
	version = "0.1.0"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file (JSON)")
	showVersion = flag.Bool("version", false, "Show version information")
	apiURL      = flag.String("api", "", "Poll API base URL (overrides config)")
	backend     = flag.String("credentials", "", "Credential backend: sqlite, keyring or memory")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("pollwatch version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("apiBaseUrl", cfg.APIBaseURL).
		Str("pushUrl", cfg.ResolvedPushURL()).
		Str("credentials", cfg.Credentials.Backend).
		Msg("Starting pollwatch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("pollwatch failed")
		os.Exit(1)
	}
}

// loadConfig loads the configuration from file and environment
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	// CLI flags win over file and environment
	if *apiURL != "" {
		cfg.APIBaseURL = *apiURL
	}
	if *backend != "" {
		cfg.Credentials.Backend = *backend
	}
	if *debug {
		cfg.Debug = true
		if *logLevel == "info" {
			cfg.LogLevel = "debug"
		}
	}
	if *logLevel != "info" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setupLogging configures the global logger
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Caller().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.Config) error {
	b, err := credentials.OpenBackend(cfg.Credentials.Backend, cfg.Credentials.Path)
	if err != nil {
		return fmt.Errorf("failed to open credential backend: %w", err)
	}
	creds, err := credentials.Open(ctx, b)
	if err != nil {
		b.Close()
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	defer creds.Close()

	api := client.NewPollsClient(client.NewHTTPClient(cfg.APIBaseURL, cfg.MutationTimeout.Duration))
	ctrl := polllist.New(api, creds, polllist.Options{
		MutationTimeout:        cfg.MutationTimeout.Duration,
		CredentialPollInterval: cfg.Credentials.PollInterval.Duration,
		Push: syncchan.Options{
			URL:            cfg.ResolvedPushURL(),
			InitialBackoff: cfg.Sync.InitialBackoff.Duration,
			MaxBackoff:     cfg.Sync.MaxBackoff.Duration,
			MaxAttempts:    cfg.Sync.MaxAttempts,
			ResyncAfter:    cfg.Sync.ResyncAfter.Duration,
		},
	})
	defer ctrl.Close()

	if err := ctrl.Start(ctx); err != nil {
		// The list stays usable; the user can retry with "refresh".
		log.Warn().Err(err).Msg("initial poll list load failed")
	}

	sh := newShell(ctrl, os.Stdout)
	unsubscribe := ctrl.Subscribe(sh.statusChanged)
	defer unsubscribe()

	return sh.repl(ctx, os.Stdin)
}
