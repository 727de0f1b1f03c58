package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/NudgePipe/internal/activity"
	"github.com/BTreeMap/NudgePipe/internal/lockfile"
	"github.com/BTreeMap/NudgePipe/internal/messaging"
	"github.com/BTreeMap/NudgePipe/internal/metrics"
	"github.com/BTreeMap/NudgePipe/internal/recovery"
	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/BTreeMap/NudgePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/NudgePipe/internal/util"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for NudgePipe state data
	DefaultStateDir = "/var/lib/nudgepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "nudgepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultBotID identifies the campaign when a single bot is served
	DefaultBotID = "default"
	// DefaultTwilioWebhookPath is where Twilio posts inbound messages
	DefaultTwilioWebhookPath = "/twilio/inbound"
	// DefaultPollInterval is how often the job runner claims due work
	DefaultPollInterval = 5 * time.Second
)

// Messaging providers.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
)

// Config holds the worker configuration from the environment and flags.
type Config struct {
	StateDir          string
	DatabaseDSN       string
	WhatsAppDSN       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	BotID             string
	Provider          string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioWebhookURL  string
	TwilioWebhookPath string
	PollInterval      time.Duration
	EpisodeTTL        time.Duration
	SendMaxAttempts   int
	MetricsAddr       string
	LogLevel          string
	QROutput          string
	NumericCode       bool
}

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	if err := validateConfig(config); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping NudgePipe", "provider", config.Provider, "botID", config.BotID, "redis", config.RedisAddr != "")
	if err := run(ctx, config); err != nil {
		slog.Error("NudgePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("NudgePipe exited successfully")
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:          util.GetenvDefault("NUDGEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           util.ParseIntEnv("REDIS_DB", 0),
		BotID:             util.GetenvDefault("NUDGEPIPE_BOT_ID", DefaultBotID),
		Provider:          strings.ToLower(util.GetenvDefault("MESSAGING_PROVIDER", ProviderWhatsApp)),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		TwilioWebhookPath: util.GetenvDefault("TWILIO_WEBHOOK_PATH", DefaultTwilioWebhookPath),
		PollInterval:      util.ParseDurationEnv("JOB_POLL_INTERVAL", DefaultPollInterval),
		EpisodeTTL:        util.ParseDurationEnv("EPISODE_TTL", activity.DefaultEpisodeTTL),
		SendMaxAttempts:   util.ParseIntEnv("SEND_MAX_ATTEMPTS", recovery.DefaultSendMaxAttempts),
		MetricsAddr:       util.GetenvDefault("METRICS_ADDR", metrics.DefaultAddr),
		LogLevel:          util.GetenvDefault("NUDGEPIPE_LOG_LEVEL", "info"),
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	applyStateDirDefaults(&config, "")
	return config
}

// applyStateDirDefaults fills the file-based DSNs from the state directory. When the
// state directory changes, DSNs still pointing at the previous default move with it.
func applyStateDirDefaults(config *Config, previousStateDir string) {
	if config.DatabaseDSN == "" || (previousStateDir != "" && config.DatabaseDSN == filepath.Join(previousStateDir, DefaultDBFileName)) {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" || (previousStateDir != "" && config.WhatsAppDSN == defaultWhatsAppDSN(previousStateDir)) {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags applies command line overrides on top of the environment.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("NudgePipe", flag.ContinueOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for NudgePipe data (overrides $NUDGEPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseDSN, "database DSN, postgres URL or sqlite path (overrides $DATABASE_DSN)")
	provider := fs.String("provider", config.Provider, "messaging provider: whatsapp or twilio (overrides $MESSAGING_PROVIDER)")
	botID := fs.String("bot-id", config.BotID, "bot whose campaign is served (overrides $NUDGEPIPE_BOT_ID)")
	redisAddr := fs.String("redis-addr", config.RedisAddr, "Redis address for the activity store, empty for in-memory (overrides $REDIS_ADDR)")
	metricsAddr := fs.String("metrics-addr", config.MetricsAddr, "metrics and webhook listen address (overrides $METRICS_ADDR)")
	logLevel := fs.String("log-level", config.LogLevel, "log level (overrides $NUDGEPIPE_LOG_LEVEL)")
	qrOutput := fs.String("qr-output", "", "path to write login QR code")
	numeric := fs.Bool("numeric-code", false, "use numeric login code instead of QR code")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	previousStateDir := config.StateDir
	dsnFromFlag := *dbDSN != config.DatabaseDSN
	config.StateDir = *stateDir
	config.DatabaseDSN = *dbDSN
	config.Provider = strings.ToLower(*provider)
	config.BotID = *botID
	config.RedisAddr = *redisAddr
	config.MetricsAddr = *metricsAddr
	config.QROutput = *qrOutput
	config.NumericCode = *numeric
	if *logLevel != config.LogLevel {
		config.LogLevel = *logLevel
		initializeLogger(config.LogLevel)
	}
	if config.StateDir != previousStateDir && !dsnFromFlag {
		applyStateDirDefaults(&config, previousStateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseDSN != "",
		"provider", config.Provider,
		"botID", config.BotID,
		"redisAddr", config.RedisAddr,
		"metricsAddr", config.MetricsAddr)
	return config, nil
}

func validateConfig(config Config) error {
	switch config.Provider {
	case ProviderWhatsApp:
	case ProviderTwilio:
		if config.TwilioAccountSID == "" || config.TwilioAuthToken == "" || config.TwilioFromNumber == "" {
			return errors.New("twilio provider requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
		if config.TwilioWebhookURL == "" {
			return errors.New("twilio provider requires TWILIO_WEBHOOK_URL to verify inbound webhook signatures")
		}
	default:
		return fmt.Errorf("unknown messaging provider %q", config.Provider)
	}
	if strings.TrimSpace(config.BotID) == "" {
		return errors.New("bot id must not be empty")
	}
	if config.SendMaxAttempts < 1 {
		return fmt.Errorf("SEND_MAX_ATTEMPTS must be at least 1, got %d", config.SendMaxAttempts)
	}
	return nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(config Config) error {
	for _, dsn := range []string{config.DatabaseDSN, config.WhatsAppDSN} {
		if store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// newActivityStore returns the Redis-backed store when an address is configured and
// the in-memory store otherwise, plus a close function.
func newActivityStore(ctx context.Context, config Config) (activity.Store, func(), error) {
	opts := []activity.Option{activity.WithEpisodeTTL(config.EpisodeTTL)}
	if config.RedisAddr == "" {
		slog.Warn("No REDIS_ADDR set, using in-memory activity store; state is lost on restart and not shared between workers")
		return activity.NewMemoryStore(opts...), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", config.RedisAddr, err)
	}
	return activity.NewRedisStore(client, opts...), func() { client.Close() }, nil
}

// worker holds the wired recovery pipeline.
type worker struct {
	runner     *store.JobRunner
	dispatcher *store.JobDispatcher
	watchdog   *recovery.Watchdog
	sequencer  *recovery.Sequencer
	ingestor   *recovery.Ingestor
	registry   *metrics.Registry
}

// deliverer is a block sender that can also delete what it sent.
type deliverer interface {
	messaging.BlockSender
	messaging.MessageDeleter
}

// newWorker wires the recovery pipeline over st and act. newSender receives the
// dispatcher so auto-delete units go through the same job table.
func newWorker(config Config, st store.Store, act activity.Store, registry *metrics.Registry, newSender func(store.Dispatcher) deliverer, runnerOpts ...store.JobRunnerOption) (*worker, error) {
	m, err := recovery.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	dispatcher := store.NewJobDispatcher(st, nil)
	runner := store.NewJobRunner(st, config.PollInterval, runnerOpts...)
	sender := newSender(dispatcher)

	opts := []recovery.Option{
		recovery.WithMetrics(m),
		recovery.WithSendRetry(config.SendMaxAttempts, recovery.DefaultSendBaseBackoff, recovery.DefaultSendMaxBackoff),
	}
	w := &worker{
		runner:     runner,
		dispatcher: dispatcher,
		watchdog:   recovery.NewWatchdog(st, act, dispatcher, opts...),
		registry:   registry,
	}
	w.sequencer = recovery.NewSequencer(st, act, dispatcher, sender, opts...)
	w.ingestor = recovery.NewIngestor(config.BotID, st, w.watchdog)

	recovery.RegisterJobHandlers(runner, w.watchdog, w.sequencer)
	messaging.RegisterDeleteHandler(runner, sender)
	return w, nil
}

func run(ctx context.Context, config Config) error {
	st, err := store.Open(config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	act, closeActivity, err := newActivityStore(ctx, config)
	if err != nil {
		return err
	}
	defer closeActivity()

	registry := metrics.NewRegistry(true)
	server := metrics.NewServer(registry, metrics.WithAddr(config.MetricsAddr))

	var (
		newSender func(store.Dispatcher) deliverer
		waClient  *whatsapp.Client
	)
	switch config.Provider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return fmt.Errorf("create twilio client: %w", err)
		}
		newSender = func(d store.Dispatcher) deliverer {
			return messaging.NewTwilioBlockSender(client, messaging.WithDispatcher(d))
		}
	default:
		lock, err := lockfile.AcquireForDSN(config.WhatsAppDSN, lockfile.WhatsAppSessionLock)
		if err != nil {
			return fmt.Errorf("lock whatsapp session: %w", err)
		}
		defer lock.Release()

		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
		if config.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
		}
		if config.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waClient, err = whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return fmt.Errorf("create whatsapp client: %w", err)
		}
		defer waClient.Disconnect()
		newSender = func(d store.Dispatcher) deliverer {
			return messaging.NewWhatsAppBlockSender(waClient, messaging.WithDispatcher(d))
		}
	}

	w, err := newWorker(config, st, act, registry, newSender)
	if err != nil {
		return err
	}

	switch {
	case waClient != nil:
		waClient.OnInbound(ctx, w.ingestor.Handle)
	case config.Provider == ProviderTwilio:
		server.Handle(config.TwilioWebhookPath, twiliowhatsapp.NewWebhookHandler(w.ingestor.Handle, config.TwilioAuthToken, config.TwilioWebhookURL))
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	if err := w.runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("Stale job recovery failed", "error", err)
	}

	slog.Info("NudgePipe worker running", "metricsAddr", server.Addr(), "pollInterval", config.PollInterval)
	w.runner.Run(ctx)
	return nil
}
