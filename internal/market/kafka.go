package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"hft-core/internal/batch"
)

const retryHeader = "x-retry-count"

var (
	// ErrNoRetryWriter stops the ingress: failed items would be lost once a
	// later offset on the partition is committed.
	ErrNoRetryWriter = errors.New("failed items and no retry writer")
	// ErrCommitFailed is not fatal; the next batch's commit covers these offsets.
	ErrCommitFailed = errors.New("commit offsets")
)

// MessageReader is the subset of *kafka.Reader used by the ingress.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used to re-produce failed items.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig tunes the ingress batching.
type KafkaConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	// MaxRetries bounds how often a failed item is re-produced before it is dropped.
	MaxRetries int
	// RetryBackoff is the first wait between re-produce attempts; it doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// NewKafkaReader builds a consumer-group reader for the market topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// NewKafkaWriter builds a writer for the market topic, keyed by user so a user's
// events share a partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// KafkaIngress consumes market events from Kafka in batches. Each message is a
// batch item identified by partition/offset. Offsets of the whole batch are
// committed after the handler returns; failed items are re-produced to the topic
// first so only they are processed again.
type KafkaIngress struct {
	reader   MessageReader
	retry    MessageWriter
	handler  batch.Handler
	cfg      KafkaConfig
	logger   *logrus.Logger
	observer batch.Observer
}

// NewKafkaIngress wires an ingress; observer may be nil.
func NewKafkaIngress(reader MessageReader, retry MessageWriter, handler batch.Handler, cfg KafkaConfig, logger *logrus.Logger, observer batch.Observer) *KafkaIngress {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = max(5*time.Second, cfg.RetryBackoff)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KafkaIngress{reader: reader, retry: retry, handler: handler, cfg: cfg, logger: logger, observer: observer}
}

// Run blocks until ctx is canceled, flushing the pending batch on shutdown.
// It returns early when a batch could not hand its failed items back to the
// topic, since fetching further would commit past them.
func (k *KafkaIngress) Run(ctx context.Context) error {
	k.logger.WithField("batch_size", k.cfg.BatchSize).Info("kafka ingress started")

	pending := make([]kafka.Message, 0, k.cfg.BatchSize)
	deadline := time.Now().Add(k.cfg.BatchTimeout)

	flush := func(ctx context.Context) error {
		deadline = time.Now().Add(k.cfg.BatchTimeout)
		if len(pending) == 0 {
			return nil
		}
		err := k.ProcessBatch(ctx, pending)
		pending = pending[:0]
		return err
	}

	for {
		if ctx.Err() != nil {
			// Use a detached context so the final commit is not canceled.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := flush(shutdownCtx)
			cancel()
			return err
		}

		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		m, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		switch {
		case err == nil:
			pending = append(pending, m)
			if len(pending) < k.cfg.BatchSize {
				continue
			}
		case errors.Is(err, context.DeadlineExceeded):
		case errors.Is(err, context.Canceled):
			continue
		default:
			k.logger.WithError(err).Error("kafka fetch failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if err := flush(ctx); err != nil {
			if !errors.Is(err, ErrCommitFailed) {
				return err
			}
			k.logger.WithError(err).Warn("kafka batch not committed")
		}
	}
}

// ProcessBatch runs one batch through the handler, re-produces failed items and
// commits every offset. The re-produce write is retried with backoff until it
// succeeds or ctx ends; the handler is never re-run, so no intent is minted twice.
// Offsets stay uncommitted when re-producing did not succeed.
func (k *KafkaIngress) ProcessBatch(ctx context.Context, msgs []kafka.Message) error {
	start := time.Now()
	items := make([]batch.Item, len(msgs))
	byID := make(map[string]kafka.Message, len(msgs))
	for i, m := range msgs {
		id := ItemID(m)
		items[i] = batch.Item{ID: id, Key: string(m.Key), Body: m.Value}
		byID[id] = m
	}

	out := k.handler.HandleBatch(ctx, items)

	var retries []kafka.Message
	for _, id := range out.Failed {
		m := byID[id]
		attempt := retryCount(m) + 1
		log := k.logger.WithFields(logrus.Fields{"item": id, "attempt": attempt})
		if attempt > k.cfg.MaxRetries {
			log.WithError(out.Errors[id]).Error("market event dropped after max retries")
			continue
		}
		log.WithError(out.Errors[id]).Warn("market event failed; re-producing")
		retries = append(retries, kafka.Message{
			Key:     m.Key,
			Value:   m.Value,
			Headers: withRetryCount(m.Headers, attempt),
		})
	}
	if len(retries) > 0 {
		if k.retry == nil {
			return fmt.Errorf("%w: %d items", ErrNoRetryWriter, len(retries))
		}
		if err := k.reproduce(ctx, retries); err != nil {
			return err
		}
	}

	if err := k.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	if k.observer != nil {
		k.observer.ObserveBatch("market", len(items), len(out.Failed), time.Since(start))
	}
	return nil
}

func (k *KafkaIngress) reproduce(ctx context.Context, msgs []kafka.Message) error {
	wait := k.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := k.retry.WriteMessages(ctx, msgs...)
		if err == nil {
			return nil
		}
		k.logger.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "items": len(msgs)}).Warn("re-produce failed; backing off")
		select {
		case <-ctx.Done():
			return fmt.Errorf("re-produce failed items: %w", errors.Join(err, ctx.Err()))
		case <-time.After(wait):
		}
		wait = min(wait*2, k.cfg.MaxRetryBackoff)
	}
}

// Close releases the reader and writer.
func (k *KafkaIngress) Close() error {
	var errs []error
	if k.reader != nil {
		errs = append(errs, k.reader.Close())
	}
	if k.retry != nil {
		errs = append(errs, k.retry.Close())
	}
	return errors.Join(errs...)
}

// ItemID identifies a Kafka message inside a batch, like a stream sequence number.
func ItemID(m kafka.Message) string {
	return fmt.Sprintf("%d-%d", m.Partition, m.Offset)
}

func retryCount(m kafka.Message) int {
	for _, h := range m.Headers {
		if h.Key == retryHeader {
			n, err := strconv.Atoi(string(h.Value))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func withRetryCount(headers []kafka.Header, n int) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != retryHeader {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: retryHeader, Value: []byte(strconv.Itoa(n))})
}

// Producer publishes market events to Kafka keyed by user id.
type Producer struct {
	w MessageWriter
}

// NewProducer wraps a writer.
func NewProducer(w MessageWriter) *Producer {
	return &Producer{w: w}
}

// Publish writes events in one call.
func (p *Producer) Publish(ctx context.Context, evs ...Event) error {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		body, err := Encode(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.UserID), Value: body, Time: ev.ObservedAt})
	}
	return p.w.WriteMessages(ctx, msgs...)
}
