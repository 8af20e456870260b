package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qryptonic/qstrike-stream/internal/config"
	"github.com/qryptonic/qstrike-stream/internal/gateway"
	"github.com/qryptonic/qstrike-stream/internal/logging"
	"github.com/qryptonic/qstrike-stream/internal/replay"
)

func newGatewayCmd(a *app) *cobra.Command {
	var (
		host   string
		port   int
		source string
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the reference stream gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gc := a.cfg.Gateway
			if cmd.Flags().Changed("host") {
				gc.Host = host
			}
			if cmd.Flags().Changed("port") {
				gc.Port = port
			}
			if cmd.Flags().Changed("source") {
				gc.Source = source
			}
			return runGateway(cmd.Context(), gc, a.cfg.Metrics, a.logger)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	cmd.Flags().StringVar(&source, "source", "", "event source: mock or kafka (default from config)")
	return cmd
}

func gatewayConfig(gc config.GatewayConfig, mc config.MetricsConfig) gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.PauseThreshold = gc.PauseThreshold
	cfg.QueueSize = gc.QueueSize
	cfg.ReplayDelay = gc.ReplayDelay
	cfg.MetricsPath = ""
	if mc.Enabled {
		cfg.MetricsPath = mc.Path
	}
	return cfg
}

func runGateway(ctx context.Context, gc config.GatewayConfig, mc config.MetricsConfig, logger *logrus.Logger) error {
	if gc.JWTSecret == "" {
		return fmt.Errorf("gateway: jwt secret is required (set gateway.jwt_secret or $%s)", config.EnvJWTSecret)
	}
	log := logging.WithService(logger, "gateway")

	registry := prometheus.NewRegistry()
	if mc.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	deps := gateway.Deps{
		Auth:     gateway.NewAuthenticator(gc.JWTSecret),
		Logger:   log,
		Registry: registry,
	}
	if gc.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: gc.Redis.Addr, DB: gc.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", gc.Redis.Addr, err)
		}
		store := replay.NewStore(rdb, "", gc.Redis.MaxLen)
		deps.Replay = store
		deps.Owners = store
		log.WithField("addr", gc.Redis.Addr).Info("Replay store enabled")
	} else {
		log.Warn("No redis address configured, delayed route disabled")
	}

	srv := gateway.New(gatewayConfig(gc, mc), deps)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srcErr := make(chan error, 1)
	run, err := newSource(gc, srv.Hub(), log)
	if err != nil {
		return err
	}
	go func() {
		err := run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Event source stopped")
			srcErr <- err
			cancel()
		}
	}()

	if err := srv.ListenAndServe(ctx, gc.Addr()); err != nil {
		return err
	}
	select {
	case err := <-srcErr:
		return err
	default:
		return nil
	}
}

func newSource(gc config.GatewayConfig, pub gateway.Publisher, log logrus.FieldLogger) (func(context.Context) error, error) {
	switch gc.Source {
	case "mock":
		gen := gateway.NewMockGenerator(pub, gc.Mock.Tenant, gc.Mock.Jobs, gc.Mock.Interval, nil, log)
		log.WithFields(logrus.Fields{"tenant": gc.Mock.Tenant, "jobs": gen.Jobs()}).Info("Mock source started")
		return gen.Run, nil
	case "kafka":
		src, err := gateway.NewKafkaSource(gateway.KafkaConfig{
			Brokers:      gc.Kafka.Brokers,
			Topic:        gc.Kafka.Topic,
			Group:        gc.Kafka.Group,
			TenantHeader: gc.Kafka.TenantHeader,
		}, pub, log)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			defer src.Close()
			return src.Run(ctx)
		}, nil
	default:
		return nil, fmt.Errorf("unknown event source %q", gc.Source)
	}
}
