package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/qryptonic/qstrike-stream/internal/event"
)

// KafkaConfig configures the Kafka event source.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Group        string
	ClientID     string
	TenantHeader string
}

// KafkaSource consumes Avro QuantumEvent records keyed by job id and
// publishes them to the hub. The owning tenant travels in a record header.
type KafkaSource struct {
	client *kgo.Client
	pub    Publisher
	cfg    KafkaConfig
	logger logrus.FieldLogger
}

func NewKafkaSource(cfg KafkaConfig, pub Publisher, logger logrus.FieldLogger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka source: no brokers")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "qstrike-gateway"
	}
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = "tenant_id"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newKafkaSource(client, cfg, pub, logger), nil
}

func newKafkaSource(client *kgo.Client, cfg KafkaConfig, pub Publisher, logger logrus.FieldLogger) *KafkaSource {
	return &KafkaSource{client: client, pub: pub, cfg: cfg, logger: logger}
}

func (k *KafkaSource) Close() {
	if k.client != nil {
		k.client.Close()
	}
}

// Run polls until ctx is cancelled, committing each fetch once handled.
func (k *KafkaSource) Run(ctx context.Context) error {
	for {
		fetches := k.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				k.logger.WithError(fe.Err).WithFields(logrus.Fields{
					"topic":     fe.Topic,
					"partition": fe.Partition,
				}).Error("kafka fetch error")
			}
			continue
		}

		fetches.EachRecord(func(r *kgo.Record) {
			if err := k.handle(ctx, r); err != nil {
				k.logger.WithError(err).WithFields(logrus.Fields{
					"topic":     r.Topic,
					"partition": r.Partition,
					"offset":    r.Offset,
				}).Warn("skipping kafka record")
			}
		})
		if err := k.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			k.logger.WithError(err).Error("failed to commit offsets")
		}
	}
}

// handle validates one record and publishes its value unchanged. Records
// that do not decode are skipped rather than forwarded to subscribers.
func (k *KafkaSource) handle(ctx context.Context, r *kgo.Record) error {
	ev, err := event.Decode(r.Value)
	if err != nil {
		return err
	}
	if key := string(r.Key); key != "" && key != ev.JobID {
		return fmt.Errorf("record key %q does not match job %q", key, ev.JobID)
	}

	var tenant string
	for _, h := range r.Headers {
		if h.Key == k.cfg.TenantHeader {
			tenant = string(h.Value)
		}
	}
	if tenant == "" {
		return fmt.Errorf("record for job %s has no %s header", ev.JobID, k.cfg.TenantHeader)
	}

	if err := k.pub.Publish(ctx, tenant, ev.JobID, r.Value); err != nil {
		return err
	}
	if terminalPhase(ev.Phase) {
		k.pub.Complete(ev.JobID)
	}
	return nil
}
