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

	"github.com/BTreeMap/CarePipe/internal/actions"
	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/config"
	"github.com/BTreeMap/CarePipe/internal/escalation"
	"github.com/BTreeMap/CarePipe/internal/events"
	"github.com/BTreeMap/CarePipe/internal/evidence"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/keylock"
	"github.com/BTreeMap/CarePipe/internal/lockfile"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/recovery"
	"github.com/BTreeMap/CarePipe/internal/scheduler"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/subscription"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePipe state data
	DefaultStateDir = "/var/lib/carepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	// Notification channels.
	ChannelLog      = "log"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"

	expiryCron      = "@every 15m"
	jobPollInterval = 2 * time.Second
	outboxPoll      = 5 * time.Second
)

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()
	env := loadEnvironmentConfig()
	flags := parseCommandLineFlags(env)

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logLevel.Set(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CarePipe", "state_dir", *flags.stateDir, "channel", *flags.channel, "api_addr", *flags.apiAddr)
	if err := run(ctx, flags, cfg); err != nil {
		slog.Error("CarePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CarePipe exited successfully")
}

// EnvConfig holds environment configuration
type EnvConfig struct {
	StateDir      string
	DatabaseDSN   string
	WhatsAppDBDSN string
	OpenAIKey     string
	APIAddr       string
	ConfigPath    string
	Channel       string
	WebhookURL    string
}

// Flags holds command line flag values
type Flags struct {
	stateDir   *string
	dbDSN      *string
	waDSN      *string
	openaiKey  *string
	apiAddr    *string
	configPath *string
	channel    *string
	webhookURL *string
	qrOutput   *string
	numeric    *bool
}

// initializeLogger installs the text handler; the level is raised or lowered
// once the configuration is loaded.
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() EnvConfig {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	env := EnvConfig{
		StateDir:      os.Getenv("CAREPIPE_STATE_DIR"),
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		ConfigPath:    os.Getenv("CAREPIPE_CONFIG"),
		Channel:       os.Getenv("CAREPIPE_CHANNEL"),
		WebhookURL:    os.Getenv("TWILIO_WEBHOOK_URL"),
	}
	if env.StateDir == "" {
		env.StateDir = DefaultStateDir
	}
	if env.DatabaseDSN == "" {
		env.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if env.DatabaseDSN == "" {
		env.DatabaseDSN = filepath.Join(env.StateDir, DefaultDBFileName)
	}
	if env.WhatsAppDBDSN == "" {
		env.WhatsAppDBDSN = "file:" + filepath.Join(env.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if env.APIAddr == "" {
		env.APIAddr = api.DefaultAddr
	}
	if env.ConfigPath == "" {
		env.ConfigPath = filepath.Join(env.StateDir, "config.yaml")
	}
	if env.Channel == "" {
		env.Channel = ChannelLog
	}

	slog.Debug("environment variables loaded",
		"CAREPIPE_STATE_DIR", env.StateDir,
		"DATABASE_DSN_SET", env.DatabaseDSN != "",
		"OPENAI_API_KEY_SET", env.OpenAIKey != "",
		"API_ADDR", env.APIAddr,
		"CAREPIPE_CONFIG", env.ConfigPath,
		"CAREPIPE_CHANNEL", env.Channel)
	return env
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(env EnvConfig) Flags {
	flags := Flags{
		stateDir:   flag.String("state-dir", env.StateDir, "state directory (overrides $CAREPIPE_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", env.DatabaseDSN, "application database: SQLite path, PostgreSQL DSN, or \"memory\" (overrides $DATABASE_DSN)"),
		waDSN:      flag.String("whatsapp-db-dsn", env.WhatsAppDBDSN, "whatsmeow device database (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:  flag.String("openai-api-key", env.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:    flag.String("api-addr", env.APIAddr, "API server address (overrides $API_ADDR)"),
		configPath: flag.String("config", env.ConfigPath, "policy YAML file (overrides $CAREPIPE_CONFIG)"),
		channel:    flag.String("channel", env.Channel, "customer message channel: log, twilio or whatsapp (overrides $CAREPIPE_CHANNEL)"),
		webhookURL: flag.String("twilio-webhook-url", env.WebhookURL, "public webhook URL used to verify Twilio signatures (overrides $TWILIO_WEBHOOK_URL)"),
		qrOutput:   flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:    flag.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
	}
	flag.Parse()

	// A moved state dir drags the default database files with it.
	if *flags.stateDir != env.StateDir {
		if *flags.dbDSN == filepath.Join(env.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.waDSN == "file:"+filepath.Join(env.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
	return flags
}

// openStore picks the document store backend from dsn.
func openStore(dsn string) (store.DocumentStore, error) {
	switch {
	case dsn == "" || strings.EqualFold(dsn, "memory"):
		slog.Warn("Using in-memory store; data is lost on exit")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(dsn) == "postgres":
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		opts = append(opts, genai.WithBaseURL(v))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildPublisher returns the Kafka publisher when brokers are configured.
func buildPublisher(cfg *config.Config) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		slog.Info("No Kafka brokers configured; case events are logged only")
		return events.LogPublisher{}
	}
	slog.Info("Publishing case events to Kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

// channel is a connected customer message channel.
type channel struct {
	notifier messaging.Notifier
	twilio   *twiliowhatsapp.Client
	wa       *whatsapp.Client
}

func connectChannel(ctx context.Context, flags Flags) (channel, error) {
	switch *flags.channel {
	case ChannelLog:
		return channel{notifier: messaging.LogNotifier{}}, nil
	case ChannelTwilio:
		c, err := twiliowhatsapp.NewClient()
		if err != nil {
			return channel{}, fmt.Errorf("twilio: %w", err)
		}
		return channel{notifier: c, twilio: c}, nil
	case ChannelWhatsApp:
		c, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return channel{}, fmt.Errorf("whatsapp: %w", err)
		}
		return channel{notifier: c, wa: c}, nil
	}
	return channel{}, fmt.Errorf("unknown channel %q (want %s, %s or %s)", *flags.channel, ChannelLog, ChannelTwilio, ChannelWhatsApp)
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags, cfg *config.Config) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	docs, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer docs.Close()

	ai, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("genai: %w", err)
	}
	gate, err := evidence.NewGate(ai,
		evidence.WithThresholds(cfg.Policy.ValidThreshold, cfg.Policy.InvalidThreshold),
		evidence.WithTimeout(cfg.Policy.CallTimeout))
	if err != nil {
		return fmt.Errorf("evidence gate: %w", err)
	}

	pub := buildPublisher(cfg)
	defer pub.Close()

	locks := keylock.New()
	jobs := store.NewJobRunner(store.NewDocumentJobRepo(docs), jobPollInterval)
	outbox := store.NewDocumentOutboxRepo(docs)
	executor := actions.NewExecutor(docs, actions.WithLocks(locks))
	queue := escalation.NewQueue(docs, escalation.WithPublisher(pub), escalation.WithLocks(locks))
	subs := subscription.NewService(docs,
		subscription.WithLeadDays(cfg.Policy.LeadDays),
		subscription.WithConcurrency(cfg.Scheduler.Concurrency),
		subscription.WithLocks(locks))

	orch, err := flow.NewOrchestrator(docs, flow.Dependencies{
		Classifier:    ai,
		Validator:     gate,
		Executor:      executor,
		Escalator:     queue,
		Subscriptions: subs,
		Retries:       jobs,
	},
		flow.WithMaxEvidenceTurns(cfg.Policy.MaxEvidenceTurns),
		flow.WithCallTimeout(cfg.Policy.CallTimeout),
		flow.WithLocks(locks),
		flow.WithPublisher(pub))
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	ch, err := connectChannel(ctx, flags)
	if err != nil {
		return err
	}
	if ch.wa != nil {
		defer ch.wa.Disconnect()
	}

	executor.SetRetrySuccessHook(orch.RetrySucceeded)
	jobs.RegisterHandler(actions.RetryJobKind, executor.HandleRetryJob)
	queue.OnResolved(escalation.RefundOnApproval(jobs))
	queue.OnResolved(orch.ReviewHook())
	queue.OnResolved(messaging.NotifyCustomerOnReview(outbox))

	sender := store.NewOutboxSender(outbox, messaging.OutboxSendFunc(docs, ch.notifier), outboxPoll)
	dispatcher := subscription.NewDispatcher(outbox)
	gateway := messaging.NewGateway(docs, orch, ch.notifier, store.NewDocumentDedupRepo(docs))

	if err := buildRecovery(jobs, sender, queue).RecoverAll(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr)}
	if ch.twilio != nil {
		apiOpts = append(apiOpts, api.WithInbound(gateway))
		if *flags.webhookURL != "" {
			apiOpts = append(apiOpts, api.WithWebhookSignatures(ch.twilio, *flags.webhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set; Twilio webhook signatures are not verified")
		}
	}
	if ch.wa != nil {
		ch.wa.OnInbound(ctx, func(ctx context.Context, m whatsapp.InboundMessage) {
			if _, _, err := gateway.Receive(ctx, messaging.Inbound{MessageID: m.MessageID, From: m.From, Text: m.Text}); err != nil {
				slog.Error("WhatsApp inbound message failed", "messageID", m.MessageID, "error", err)
			}
		})
	}
	server, err := api.NewServer(docs, orch, subs, queue, apiOpts...)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddJob("subscription-pass", cfg.Scheduler.Cron, func(ctx context.Context) {
		report, err := subs.RunPass(ctx, time.Now())
		if err != nil {
			slog.Error("Subscription pass finished with errors", "error", err, "scanned", report.Scanned, "advanced", report.Advanced)
			return
		}
		slog.Info("Subscription pass finished", "scanned", report.Scanned, "advanced", report.Advanced, "notified", report.Notified)
	}); err != nil {
		return fmt.Errorf("schedule subscription pass: %w", err)
	}
	if err := sched.AddJob("conversation-expiry", expiryCron, func(ctx context.Context) {
		n, err := orch.ExpireIdle(ctx, cfg.Policy.ConversationTTL)
		if err != nil {
			slog.Error("Conversation expiry failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Idle conversations archived", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule conversation expiry: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { jobs.Run(gctx); return nil })
	g.Go(func() error { sender.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx, subs.Notifications()); return nil })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildRecovery registers the startup passes in dependency order: jobs and
// outbox first, then escalations whose roll-forward may enqueue both.
func buildRecovery(jobs *store.JobRunner, sender *store.OutboxSender, queue *escalation.Queue) *recovery.RecoveryManager {
	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable("jobs", recovery.Uncounted(jobs.RecoverStaleJobs))
	rm.RegisterRecoverable("outbox", recovery.Uncounted(sender.RecoverStaleMessages))
	rm.RegisterRecoverable("escalations", recovery.Func(queue.RecoverInterrupted))
	return rm
}
