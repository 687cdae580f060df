package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/citabot/citabot/internal/agent"
	"github.com/citabot/citabot/internal/api"
	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/pipeline"
	"github.com/citabot/citabot/internal/ratelimit"
	"github.com/citabot/citabot/internal/scheduler"
	"github.com/citabot/citabot/internal/settings"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/sweeper"
	"github.com/citabot/citabot/internal/twiliowhatsapp"
	"github.com/citabot/citabot/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Citabot state data
	DefaultStateDir = "/var/lib/citabot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "citabot.db"
	// DefaultWhatsmeowDBFileName is the default whatsmeow session database filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"

	jobPollInterval    = 2 * time.Second
	outboxPollInterval = 2 * time.Second
	maxConcurrentTurns = 4
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("Citabot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Citabot exited successfully")
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	genaiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	cache := settings.NewCache(st, settings.DefaultTTL)
	limiter := ratelimit.NewLimiter(cache.RatePerMinute)
	engine := booking.NewEngine(st, cache)
	router := agent.NewRouter(genaiClient)
	executor := pipeline.NewExecutor(st, st, engine, cache)
	pipe := pipeline.NewPipeline(st, router, executor)

	msgService, twilioService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	// Durable job runner drives conversation turns.
	runner := store.NewJobRunner(st, jobPollInterval, maxConcurrentTurns)
	runner.RegisterHandler(pipeline.JobKindTurn, pipe.HandleTurnJob)
	if err := runner.RecoverStaleJobs(); err != nil {
		return err
	}
	go runner.Run(ctx)

	// Outbox sender delivers queued replies and reminders.
	sender := store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
		var payload store.OutboxPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
			return err
		}
		return msgService.SendMessage(ctx, payload.To, payload.Body)
	}, outboxPollInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		return err
	}
	go sender.Run(ctx)

	// Inbound events flow from the channel into the pipeline.
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()
	handler := messaging.NewEventHandler(msgService, pipe, limiter)
	go handler.Run(ctx)

	// Hourly maintenance: stale cleanup, reminders, limiter pruning.
	sweep := sweeper.NewSweeper(st, cache, limiter)
	sched := scheduler.NewScheduler(cache.Timezone())
	defer sched.Stop()
	if err := sched.AddJob(scheduler.HourlyExpr, sweep.Run); err != nil {
		return err
	}

	server := api.NewServer(st, msgService, pipe, cache, engine, twilioService)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(*flags.apiAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Citabot running", "channel", *flags.channel, "apiAddr", *flags.apiAddr)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	WhatsAppDSN string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Channel     string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	whatsappDSN *string
	openaiKey   *string
	apiAddr     *string
	channel     *string
}

// initializeLogger sets up structured logging; CITABOT_DEBUG=1 enables debug level.
func initializeLogger() {
	level := slog.LevelInfo
	if v, ok := os.LookupEnv("CITABOT_DEBUG"); ok && (v == "1" || strings.EqualFold(v, "true")) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:    os.Getenv("CITABOT_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Channel:     os.Getenv("CITABOT_CHANNEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.Channel == "" {
		config.Channel = "whatsapp"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"CITABOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CITABOT_CHANNEL", config.Channel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for Citabot data (overrides $CITABOT_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the Citabot store (overrides $DATABASE_URL)"),
		whatsappDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:     flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $CITABOT_CHANNEL)"),
	}

	flag.Parse()

	// Follow an overridden state directory when the DSNs kept their defaults.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.whatsappDSN == filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName) {
			*flags.whatsappDSN = filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.whatsappDSN} {
		if store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// openStore opens the SQLite or Postgres store based on the DSN shape.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	return opts
}

// buildMessagingService constructs the configured channel service. The
// Twilio service is returned separately as well so the API server can mount
// its webhook.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch *flags.channel {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	default:
		var waOpts []whatsapp.Option
		if *flags.whatsappDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}
