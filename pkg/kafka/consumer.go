package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
)

// Message represents a generic Kafka message
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler is a function that processes a Kafka message. A non-nil error
// blocks the partition's offset so the message is redelivered.
type Handler func(ctx context.Context, msg Message) error

// ConsumerConfig tunes the consumer beyond broker/group identity.
type ConsumerConfig struct {
	// Workers bounds how many partitions are processed concurrently per
	// poll. Ordering within a partition is always preserved. Default: 4.
	Workers int
	// MessageTimeout is the per-message processing deadline. Exceeding it
	// fails the message so it is redelivered. Default: 30 s.
	MessageTimeout time.Duration
}

// Consumer implements a Kafka group consumer that routes messages to
// per-topic handlers with manual commits. Failed messages block their
// partition: later offsets are neither processed nor committed, so the
// failure is retried after redelivery.
type Consumer struct {
	client    *kgo.Client
	logger    *logrus.Logger
	clusterID string
	groupID   string
	cfg       ConsumerConfig
	handlers  map[string]Handler
	mu        sync.RWMutex
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, groupID, clusterID, clientID string, cfg ConsumerConfig, logger *logrus.Logger) (*Consumer, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 30 * time.Second
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:    client,
		logger:    logger,
		clusterID: clusterID,
		groupID:   groupID,
		cfg:       cfg,
		handlers:  make(map[string]Handler),
	}, nil
}

// AddHandler registers a handler for a specific topic and subscribes to it
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	c.client.AddConsumeTopics(topic)
}

// Close closes the underlying client
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// Start starts polling for messages. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			fetches := c.client.PollFetches(ctx)
			if errs := fetches.Errors(); len(errs) > 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Errorf("errors while polling: %v", errs)
				continue
			}

			iter := fetches.RecordIter()
			records := make([]*kgo.Record, 0)
			for !iter.Done() {
				records = append(records, iter.Next())
			}

			commitRecords := c.processRecords(ctx, records)
			if len(commitRecords) > 0 {
				if err := c.client.CommitRecords(ctx, commitRecords...); err != nil {
					c.logger.WithError(err).Error("failed to commit records")
				}
			}
		}
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

// processRecords runs handlers partition-concurrently and returns the last
// successfully handled record per partition for committing.
func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	groups := make(map[topicPartition][]*kgo.Record)
	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		groups[tp] = append(groups[tp], record)
	}

	var mu sync.Mutex
	lastSuccess := make(map[topicPartition]*kgo.Record)

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(c.cfg.Workers)

	for tp, group := range groups {
		tp, group := tp, group
		g.Go(func() error {
			for _, record := range group {
				c.mu.RLock()
				handler, exists := c.handlers[record.Topic]
				c.mu.RUnlock()

				if !exists {
					// No handler registered - still commit to avoid reprocessing
					c.logger.WithField("topic", record.Topic).Warn("No handler registered for topic")
					mu.Lock()
					lastSuccess[tp] = record
					mu.Unlock()
					continue
				}

				hdrs := make(map[string]string, len(record.Headers))
				for _, h := range record.Headers {
					hdrs[h.Key] = string(h.Value)
				}

				msg := Message{
					Key:       record.Key,
					Value:     record.Value,
					Headers:   hdrs,
					Topic:     record.Topic,
					Partition: record.Partition,
					Offset:    record.Offset,
					Timestamp: record.Timestamp,
				}

				msgCtx, cancel := context.WithTimeout(gctx, c.cfg.MessageTimeout)
				err := handler(msgCtx, msg)
				cancel()

				if err != nil {
					c.logger.WithError(err).WithFields(logrus.Fields{
						"topic":     record.Topic,
						"partition": record.Partition,
						"offset":    record.Offset,
					}).Error("Failed to handle message - will retry on redelivery")
					// Stop this partition here so the failed offset is not
					// committed past.
					return nil
				}

				mu.Lock()
				lastSuccess[tp] = record
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(lastSuccess) == 0 {
		return nil
	}

	commitRecords := make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commitRecords = append(commitRecords, record)
	}
	return commitRecords
}

// HealthCheck pings the broker
func (c *Consumer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

func (c *Consumer) GetClient() *kgo.Client {
	return c.client
}
