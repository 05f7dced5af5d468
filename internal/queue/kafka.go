package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexnthnz/delivery-engine/internal/notification"
	"github.com/alexnthnz/delivery-engine/internal/retry"
)

// NotificationMessage represents a message in the notification queue
type NotificationMessage struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Channel      string         `json:"channel"`
	Recipient    string         `json:"recipient"`
	Subject      string         `json:"subject,omitempty"`
	Message      string         `json:"message"`
	TemplateID   string         `json:"template_id"`
	TemplateData map[string]any `json:"template_data,omitempty"`
	// Attempt counts deliveries of this message, starting at 1
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToRecord converts the queue message into an engine record
func (m NotificationMessage) ToRecord() (notification.Record, error) {
	channel, err := notification.ParseChannel(m.Channel)
	if err != nil {
		return notification.Record{}, err
	}
	return notification.Record{
		ID:           m.ID,
		UserID:       m.UserID,
		Channel:      channel,
		Recipient:    m.Recipient,
		Subject:      m.Subject,
		Message:      m.Message,
		TemplateID:   m.TemplateID,
		TemplateData: m.TemplateData,
	}, nil
}

// FromRecord builds a queue message for record
func FromRecord(record notification.Record, attempt int) NotificationMessage {
	return NotificationMessage{
		ID:           record.ID,
		UserID:       record.UserID,
		Channel:      string(record.Channel),
		Recipient:    record.Recipient,
		Subject:      record.Subject,
		Message:      record.Message,
		TemplateID:   record.TemplateID,
		TemplateData: record.TemplateData,
		Attempt:      attempt,
		CreatedAt:    time.Now().UTC(),
	}
}

// Producer handles publishing messages to Kafka
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// messageReader is the subset of *kafka.Reader the consumer needs
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer handles consuming messages from Kafka
type Consumer struct {
	reader  messageReader
	workers int
	logger  *zap.Logger
}

type job struct {
	raw   kafka.Message
	notif NotificationMessage
}

// NewProducer creates a new Kafka producer writing to topic
func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireAll,
		Async:        false, // Synchronous for reliability
	}

	return &Producer{writer: writer, logger: logger.Named("producer")}
}

// NewConsumer creates a consumer group reader over topics
func NewConsumer(brokers []string, groupID string, topics []string, workers int, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.LastOffset,
	})

	return &Consumer{reader: reader, workers: workers, logger: logger.Named("consumer")}
}

// PublishNotification publishes a notification message to Kafka
func (p *Producer) PublishNotification(ctx context.Context, msg NotificationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification message: %w", err)
	}

	// keyed by id so every attempt of a notification lands on the same partition
	kafkaMsg := kafka.Message{
		Key:   []byte(msg.ID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "channel", Value: []byte(msg.Channel)},
			{Key: "attempt", Value: []byte(strconv.Itoa(msg.Attempt))},
		},
		Time: time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	p.logger.Debug("Published notification",
		zap.String("id", msg.ID),
		zap.String("topic", p.writer.Topic),
		zap.Int("attempt", msg.Attempt),
	)
	return nil
}

// Handler processes one decoded message
type Handler func(ctx context.Context, msg NotificationMessage) error

// ConsumeNotifications reads messages and hands them to a pool of workers
// until ctx is cancelled. An offset is committed only after its handler has
// returned, so a message in flight at shutdown is redelivered.
func (c *Consumer) ConsumeNotifications(ctx context.Context, handler Handler) error {
	jobs := make(chan job, c.workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for {
			msg, err := c.reader.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				c.logger.Error("Error reading message from Kafka", zap.Error(err))
				if retry.Sleep(gctx, time.Second) != nil {
					return nil
				}
				continue
			}

			var notif NotificationMessage
			if err := json.Unmarshal(msg.Value, &notif); err != nil {
				c.logger.Error("Error unmarshaling notification message",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				// never decodable: skip past it
				c.commit(gctx, msg)
				continue
			}

			select {
			case jobs <- job{raw: msg, notif: notif}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				err := handler(gctx, j.notif)
				if gctx.Err() != nil {
					c.logger.Warn("Shutdown during processing, leaving offset uncommitted",
						zap.String("id", j.notif.ID),
						zap.Int64("offset", j.raw.Offset),
					)
					continue
				}
				if err != nil {
					c.logger.Error("Error processing notification", zap.String("id", j.notif.ID), zap.Error(err))
				}
				c.commit(gctx, j.raw)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("Failed to commit offset",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
