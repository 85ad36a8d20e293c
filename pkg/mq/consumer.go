package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDeliveriesClosed means the broker connection went away under Run.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the delivery goes straight to
// the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Handler processes one delivery. The consumer acks, retries or
// dead-letters based on the returned error.
type Handler func(ctx context.Context, d amqp.Delivery) error

type ConsumerConfig struct {
	URL         string
	Topology    Topology
	Tag         string
	Prefetch    int
	Workers     int
	MaxAttempts int
}

// dlqPublisher returns only once the broker has the dead-lettered copy.
type dlqPublisher interface {
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

const deadLetterTimeout = 10 * time.Second

type Consumer struct {
	cfg    ConsumerConfig
	logger *zap.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
	dlq  dlqPublisher

	outcomes metric.Int64Counter
}

func withDefaults(cfg ConsumerConfig) ConsumerConfig {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return cfg
}

func newConsumer(cfg ConsumerConfig, logger *zap.Logger, dlq dlqPublisher, mp metric.MeterProvider) *Consumer {
	counter, err := mp.Meter("github.com/you/eventhub-ticketing/pkg/mq").Int64Counter(
		"mq.deliveries",
		metric.WithDescription("deliveries handled by outcome"),
	)
	if err != nil {
		logger.Warn("delivery counter unavailable", zap.Error(err))
	}
	return &Consumer{cfg: withDefaults(cfg), logger: logger, dlq: dlq, outcomes: counter}
}

// NewConsumer dials the broker, declares the full topology, puts the channel
// in confirm mode for dead-letter publishes and applies the prefetch limit.
// Delivery outcomes are counted on the global meter provider.
func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c := newConsumer(cfg, logger, confirmChannel{ch}, otel.GetMeterProvider())
	if err := c.cfg.Topology.declareAll(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	c.conn, c.ch = conn, ch
	return c, nil
}

// Run consumes until ctx is cancelled, spreading deliveries over the
// configured number of workers. It returns ErrDeliveriesClosed if the broker
// drops the channel so the caller can restart.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Topology.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	return c.serve(ctx, msgs, h)
}

func (c *Consumer) serve(ctx context.Context, msgs <-chan amqp.Delivery, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-msgs:
					if !ok {
						if ctx.Err() != nil {
							return nil
						}
						return ErrDeliveriesClosed
					}
					c.handle(gctx, d, h)
				}
			}
		})
	}
	return g.Wait()
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(d.Headers))
	attempt := Attempts(d.Headers, c.cfg.Topology.Queue) + 1
	log := c.logger.With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageId),
		zap.Int64("attempt", attempt),
	)

	err := h(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
		c.count(ctx, "ack")
	case IsPermanent(err):
		log.Error("permanent failure, dead-lettering", zap.Error(err))
		c.deadLetter(ctx, d, err, log)
	case attempt >= int64(c.cfg.MaxAttempts):
		log.Error("retries exhausted, dead-lettering", zap.Error(err))
		c.deadLetter(ctx, d, err, log)
	default:
		log.Warn("handler failed, scheduling retry", zap.Error(err))
		// requeue=false routes through the retry exchange
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Warn("nack failed", zap.Error(nackErr))
		}
		c.count(ctx, "retry")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, cause error, log *zap.Logger) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-error"] = cause.Error()
	headers["x-original-queue"] = c.cfg.Topology.Queue

	pctx, cancel := context.WithTimeout(ctx, deadLetterTimeout)
	defer cancel()
	err := c.dlq.PublishConfirmed(pctx, c.cfg.Topology.DeadLetterExchange(), d.RoutingKey, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		// keep the message; the retry queue delays the next attempt
		log.Error("dead-letter publish failed", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Warn("nack failed", zap.Error(nackErr))
		}
		c.count(ctx, "retry")
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Warn("ack failed", zap.Error(ackErr))
	}
	c.count(ctx, "dead_letter")
}

func (c *Consumer) count(ctx context.Context, outcome string) {
	if c.outcomes == nil {
		return
	}
	c.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", c.cfg.Topology.Queue),
		attribute.String("outcome", outcome),
	))
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
