package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/FlowPipe/internal/analytics"
	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/command"
	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/match"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot: channels, flow engine, scheduler and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
	bindServeFlags(cmd, cfg)
	return cmd
}

// definitions is everything loaded from the configuration files.
type definitions struct {
	static   []models.Flow
	commands []models.Command
	engine   *match.Engine
	webviews []models.Webview
}

func loadDefinitions(cfg Config) (*definitions, error) {
	var (
		defs definitions
		err  error
	)
	files := map[string]models.Matches{}
	if cfg.MatchFilesDir != "" {
		if files, err = match.LoadDir(cfg.MatchFilesDir); err != nil {
			return nil, err
		}
	}
	defs.engine = match.New(files)

	if defs.commands, err = command.LoadFile(cfg.CommandsFile, command.Builtins(cfg.DefaultFlowURI)); err != nil {
		return nil, err
	}
	if cfg.FlowsDir != "" {
		if defs.static, err = flow.LoadStaticDir(cfg.FlowsDir); err != nil {
			return nil, err
		}
	}
	if defs.webviews, err = loadWebviews(cfg.WebviewsFile); err != nil {
		return nil, err
	}
	slog.Info("Definitions loaded", "flows", len(defs.static), "commands", len(defs.commands),
		"matchFiles", len(files), "webviews", len(defs.webviews))
	return &defs, nil
}

// buildChannel creates the configured messaging service.
// The returned cleanup releases client resources and is never nil.
func buildChannel(ctx context.Context, cfg Config) (messaging.Service, func(), error) {
	tz := messaging.WithDefaultTimezone(cfg.DefaultTZ)
	switch cfg.Channel {
	case ChannelWhatsApp:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.whatsAppDSN())}
		if cfg.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client, tz), client.Disconnect, nil
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client, cfg.TwilioWebhookURL, tz), func() {}, nil
	case ChannelMock:
		slog.Warn("Using mock channel; outgoing messages are only recorded in memory")
		return messaging.NewMockService(ChannelMock), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown channel %q", cfg.Channel)
	}
}

func buildDedup(ctx context.Context, url string) (store.DedupRepo, func(), error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return store.NewRedisDedup(client), func() { client.Close() }, nil
}

func buildCommands(cfg Config, defs *definitions) (*command.Matcher, error) {
	var opts []command.Option
	if cfg.NLPEnabled {
		gopts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
		if cfg.OpenAIModel != "" {
			gopts = append(gopts, genai.WithModel(cfg.OpenAIModel))
		}
		classifier, err := genai.NewIntentClassifier(genai.IntentNames(defs.commands), gopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create intent classifier: %w", err)
		}
		opts = append(opts, command.WithIntentParser(classifier))
	}
	return command.NewMatcher(defs.commands, defs.engine, opts...), nil
}

func serve(ctx context.Context, cfg Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.StateDir, err)
	}
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	defs, err := loadDefinitions(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.storeDSN())
	if err != nil {
		return err
	}
	defer st.Close()

	svc, closeChannel, err := buildChannel(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeChannel()
	registry := messaging.NewRegistry(svc)
	defer func() {
		if err := svc.Stop(); err != nil {
			slog.Warn("Failed to stop channel", "error", err, "channel", svc.Name())
		}
	}()

	collectors := metrics.New()
	bus := events.NewBus()
	if cfg.AMQPURL != "" {
		exchange := cfg.AMQPExchange
		if exchange == "" {
			exchange = events.DefaultExchange
		}
		pub, err := events.DialAMQP(cfg.AMQPURL, exchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		bus.AddSink(pub)
	}

	schedOpts := []scheduler.Option{
		scheduler.WithInterval(cfg.SchedulerInterval),
		scheduler.WithMetrics(collectors),
	}
	if pg, ok := st.(*store.PostgresStore); ok {
		schedOpts = append(schedOpts, scheduler.WithLeader(pg.NewAdvisoryLock(store.SchedulerLockKey)))
	}
	sched := scheduler.New(st, schedOpts...)

	commands, err := buildCommands(cfg, defs)
	if err != nil {
		return err
	}

	managerOpts := []flow.Option{
		flow.WithStaticFlows(defs.static),
		flow.WithCommands(commands),
		flow.WithMatchEngine(defs.engine),
		flow.WithScheduler(sched),
		flow.WithTracker(analytics.NewLogTracker(slog.Default())),
		flow.WithEvents(bus),
		flow.WithMetrics(collectors),
		flow.WithWebviews(defs.webviews),
		flow.WithDefaultFlowURI(cfg.DefaultFlowURI),
	}
	if cfg.ErrorMessage != "" {
		managerOpts = append(managerOpts, flow.WithDefaultErrorMessage(cfg.ErrorMessage))
	}
	if cfg.RedisURL != "" {
		dedup, closeDedup, err := buildDedup(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer closeDedup()
		managerOpts = append(managerOpts, flow.WithDedup(dedup))
	}
	manager := flow.NewManager(st, registry, managerOpts...)
	if err := manager.LoadFlows(ctx); err != nil {
		return err
	}
	if err := manager.Validate(); err != nil {
		return err
	}
	sched.SetExecutor(manager)
	sched.RescheduleOnProfileRefresh(bus)

	apiOpts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithTasks(sched),
		api.WithMetricsHandler(collectors.Handler()),
	}
	if tw, ok := svc.(*messaging.TwilioService); ok {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(tw.WebhookHandler))
	}
	server := api.NewServer(manager, apiOpts...)

	slog.Info("FlowPipe starting", "channel", svc.Name(), "apiAddr", cfg.APIAddr,
		"scheduler", cfg.SchedulerEnabled, "nlp", cfg.NLPEnabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return messaging.NewRouter(registry, manager).Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if cfg.SchedulerEnabled {
		g.Go(func() error { return sched.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("FlowPipe stopped with error", "error", err)
		return err
	}
	slog.Info("FlowPipe shut down")
	return nil
}
