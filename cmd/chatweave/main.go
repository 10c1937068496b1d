package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatweave/chatweave/internal/api"
	"github.com/chatweave/chatweave/internal/bot"
	"github.com/chatweave/chatweave/internal/channel"
	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/history"
	"github.com/chatweave/chatweave/internal/lockfile"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/scheduler"
	"github.com/chatweave/chatweave/internal/speech"
	"github.com/chatweave/chatweave/internal/store"
	"github.com/chatweave/chatweave/internal/trigger"
	"github.com/chatweave/chatweave/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatWeave state data
	DefaultStateDir = "/var/lib/chatweave"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatweave.db"
	// DefaultAPIAddr is the default API listen address
	DefaultAPIAddr = ":8080"
	// DefaultSweepInterval is the default trigger polling interval
	DefaultSweepInterval = 30 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping ChatWeave",
		"config", *flags.configPath,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"sweep_interval", *flags.sweepInterval)
	if err := run(flags); err != nil {
		slog.Error("ChatWeave failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatWeave exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	ConfigPath    string
	SweepInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	configPath    *string
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	sweepInterval *time.Duration
	waQROutput    *string
	waNumeric     *bool
	waDBDSN       *string
}

// initializeLogger sets up structured logging with the level from $LOG_LEVEL
func initializeLogger() {
	level := util.ParseLogLevelEnv("LOG_LEVEL", slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("CHATWEAVE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		ConfigPath:    os.Getenv("EXPERIMENT_CONFIG"),
		SweepInterval: util.ParseDurationEnv("TRIGGER_SWEEP_INTERVAL", DefaultSweepInterval),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.ConfigPath == "" {
		config.ConfigPath = filepath.Join(config.StateDir, "experiments.json")
	}
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		configPath:    flag.String("config", config.ConfigPath, "experiment configuration file (overrides $EXPERIMENT_CONFIG)"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for ChatWeave data (overrides $CHATWEAVE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN: file path for SQLite, postgres:// URL for PostgreSQL (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sweepInterval: flag.Duration("sweep-interval", config.SweepInterval, "trigger polling interval (overrides $TRIGGER_SWEEP_INTERVAL)"),
		waQROutput:    flag.String("wa-qr-output", "", "path to write the WhatsApp login QR code"),
		waNumeric:     flag.Bool("wa-numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		waDBDSN:       flag.String("wa-db-dsn", os.Getenv("WHATSAPP_DB_DSN"), "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
	}
	flag.Parse()

	if *flags.dbDSN == config.DatabaseURL &&
		config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) &&
		*flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags
}

// ensureDirectoriesExist creates the state directory for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
		}
	}
	return nil
}

// openStore selects the storage backend from the DSN
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("openStore: no DSN configured, state is lost on restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildResponders constructs one topic bot per configured experiment, each
// with a model-matched history compressor.
func buildResponders(cfg *models.ExperimentConfig, factory bot.ClientFactory, st store.Store, notifier bot.Notifier) (map[string]bot.Responder, error) {
	bots := make(map[string]bot.Responder, len(cfg.Experiments))
	for i := range cfg.Experiments {
		exp := &cfg.Experiments[i]
		var counter history.TokenCounter
		if tc, err := genai.NewTokenCounter(exp.Model); err != nil {
			slog.Warn("buildResponders: tokenizer unavailable, history compression disabled",
				"experiment_id", exp.ID, "error", err)
		} else {
			counter = tc
		}
		summarizer := history.NewLLMSummarizer(factory(exp.Model))
		hist := history.NewCompressor(st, counter, summarizer)
		b, err := bot.NewTopicBot(exp, factory, st, hist, notifier, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build bot for experiment %s: %w", exp.ID, err)
		}
		bots[exp.ID] = b
	}
	return bots, nil
}

// buildRegistry registers a messenger factory per supported platform
func buildRegistry(flags Flags) *channel.Registry {
	registry := channel.NewRegistry()
	registry.Register(models.PlatformTelegram, channel.NewTelegramMessenger)
	registry.Register(models.PlatformTwilio, channel.NewTwilioMessenger)
	registry.Register(models.PlatformTurnIO, channel.NewTurnIOMessenger)
	registry.Register(models.PlatformSureAdhere, channel.NewSureAdhereMessenger)
	registry.Register(models.PlatformWhatsApp, func(binding *models.ExperimentChannel) (channel.Messenger, error) {
		var waOpts []channel.WhatsAppOption
		if dsn := *flags.waDBDSN; dsn != "" {
			waOpts = append(waOpts, channel.WithWhatsAppDBDSN(dsn))
		}
		if *flags.waQROutput != "" {
			waOpts = append(waOpts, channel.WithWhatsAppQROutput(*flags.waQROutput))
		}
		if *flags.waNumeric {
			waOpts = append(waOpts, channel.WithWhatsAppNumericCode())
		}
		return channel.NewWhatsAppMessenger(waOpts...)
	})
	return registry
}

func run(flags Flags) error {
	cfg, err := models.LoadExperimentConfig(*flags.configPath)
	if err != nil {
		return err
	}

	// Two instances sharing one SQLite state directory corrupt each other.
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return fmt.Errorf("failed to build generation client: %w", err)
	}
	factory := func(model string) genai.ClientInterface {
		if model == "" {
			return client
		}
		return client.WithModelOverride(model)
	}
	speechSvc, err := speech.NewOpenAIService(speech.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return fmt.Errorf("failed to build speech service: %w", err)
	}

	bots, err := buildResponders(cfg, factory, st, bot.LogNotifier{})
	if err != nil {
		return err
	}

	registry := buildRegistry(flags)
	channels := make(map[string]*channel.Channel)
	for i := range cfg.Channels {
		binding := &cfg.Channels[i]
		switch binding.Platform {
		case models.PlatformAPI, models.PlatformWeb:
			// Served in-process by the HTTP layer.
			continue
		}
		exp, ok := cfg.ExperimentByID(binding.ExperimentID)
		if !ok {
			return fmt.Errorf("channel %s: unknown experiment %s", binding.ID, binding.ExperimentID)
		}
		m, err := registry.Build(binding)
		if err != nil {
			return fmt.Errorf("channel %s: %w", binding.ID, err)
		}
		ch := channel.NewChannel(exp, binding, st, bots[exp.ID], speechSvc, m)
		channels[binding.ID] = ch

		if wam, ok := m.(*channel.WhatsAppMessenger); ok {
			defer wam.Disconnect()
			wam.OnMessage(func(in *models.IncomingMessage) {
				if err := ch.NewUserMessage(context.Background(), in); err != nil {
					slog.Error("main: whatsapp message processing failed",
						"channel_id", ch.Binding().ID, "error", err)
				}
			})
		}
		slog.Info("main: channel ready", "channel_id", binding.ID, "platform", binding.Platform)
	}

	engine := trigger.NewEngine(st, cfg, channel.NewTriggerDispatcher(st, channels))
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sched.AddEvery(*flags.sweepInterval, func() { engine.SweepScheduled(context.Background()) })
	sched.AddEvery(*flags.sweepInterval, func() { engine.SweepTimeouts(context.Background()) })

	srv := api.NewServer(api.ServerConfig{
		Store:    st,
		Config:   cfg,
		Channels: channels,
		Bots:     bots,
		Speech:   speechSvc,
		Web:      channel.NewWebMessenger(),
		Engine:   engine,
		Cancels:  bot.NewCancelRegistry(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx, *flags.apiAddr)
}
