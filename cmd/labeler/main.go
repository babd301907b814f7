package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"jetstream-labeler/internal/config"
	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/supervisor"
	"jetstream-labeler/pkg/admin"
	"jetstream-labeler/pkg/auth"
	"jetstream-labeler/pkg/dispatch"
	"jetstream-labeler/pkg/kafka"
	"jetstream-labeler/pkg/limiter"
	"jetstream-labeler/pkg/metrics"
	"jetstream-labeler/pkg/ozone"
	"jetstream-labeler/pkg/rules"
	"jetstream-labeler/pkg/store"
	"jetstream-labeler/pkg/subscription"
	"jetstream-labeler/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("labeler stopped")
		os.Exit(1)
	}
	logging.Info().Msg("labeler shut down")
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("labeler", reg)

	db, err := store.Open(cfg.Store.Path, cfg.Store.InMemory)
	if err != nil {
		return err
	}
	defer db.Close()

	lim := limiter.New(limiter.Config{
		Reservoir:      cfg.Limiter.Reservoir,
		RefillAmount:   cfg.Limiter.RefillAmount,
		RefillInterval: cfg.Limiter.RefillInterval,
		MinSpacing:     cfg.Limiter.MinSpacing,
		Cooldown:       cfg.Limiter.Cooldown,
		Metrics:        m,
	})

	tree := supervisor.NewTree(logging.For("supervisor"), supervisor.TreeConfig{})
	tree.AddActionService(supervisor.Service{Name: "limiter", Run: lim.Serve})

	var sessions *auth.Manager
	var sub *subscription.Manager

	if cfg.Jetstream.Disabled {
		logging.Warn().Msg("jetstream subscription disabled")
	} else {
		client := ozone.NewClient(cfg.Labeler.Service, cfg.Labeler.ProxyDID(), cfg.Labeler.RequestTimeout)
		sessions = auth.NewManager(client, lim, db, auth.Config{
			Identifier:       cfg.Labeler.Identifier,
			Password:         cfg.Labeler.Password,
			FailureThreshold: cfg.Labeler.LoginFailureThreshold,
			Cooldown:         cfg.Limiter.Cooldown,
			Metrics:          m,
		})

		dcfg := dispatch.Config{CreatedBy: cfg.Labeler.Identifier, Metrics: m}
		if len(cfg.Kafka.Brokers) > 0 {
			sink, err := kafka.NewSink(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
			if err != nil {
				return err
			}
			defer sink.Close()
			dcfg.Sink = sink
		}
		dispatcher := dispatch.New(sessions, client, dcfg)
		defer dispatcher.Wait()

		engine := rules.NewEngine(cfg.Jetstream.WantedCollections, rules.FromConfig(cfg.Rules)...)
		processor := rules.NewProcessor(engine, dispatcher, m)

		dialer := websocket.NewDialer(websocket.Config{
			URL:               cfg.Jetstream.URL,
			OverrideURL:       cfg.Jetstream.OverrideURL,
			WantedCollections: cfg.Jetstream.WantedCollections,
			PingInterval:      cfg.Jetstream.PingInterval,
			ReadTimeout:       cfg.Jetstream.ReadTimeout,
			OnInvalid:         func(error) { m.InvalidMessages.Inc() },
		})
		sub = subscription.New(dialer, db, processor, subscription.Config{
			SubscriptionID:     cfg.Jetstream.Identity(),
			OverrideCursor:     cfg.Jetstream.OverrideCursor,
			IgnoreStoredCursor: cfg.Jetstream.IgnoreStoredCursor,
			CheckpointEvery:    cfg.Jetstream.CheckpointEvery,
			CommitKinds:        cfg.Jetstream.CommitKinds,
			HandoffBuffer:      cfg.Jetstream.HandoffBuffer,
			ReconnectDelay:     cfg.Jetstream.ReconnectDelay(),
			Metrics:            m,
		})
		tree.AddIngestService(supervisor.Service{Name: "firehose", Run: sub.Serve})
	}

	sources := admin.Sources{Limiter: lim, Metrics: m.Handler()}
	if sub != nil {
		sources.Subscription = sub
		sources.Session = sessions
	}
	srv := admin.NewServer(cfg.Server.Addr(), sources)
	tree.AddActionService(supervisor.Service{Name: "admin", Run: srv.Serve})

	logging.Info().
		Bool("jetstream", !cfg.Jetstream.Disabled).
		Str("subscription", cfg.Jetstream.Identity()).
		Str("admin_addr", cfg.Server.Addr()).
		Msg("labeler starting")

	return tree.Serve(ctx)
}
