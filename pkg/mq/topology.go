package mq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchange and queue pair the payment outcome messages
// travel through, plus the retry and dead-letter plumbing derived from them.
//
//	exchange --(bindings)--> queue --(reject)--> retry exchange --> retry queue
//	retry queue --(ttl)--> default exchange --> queue
//	dead-letter exchange --(#)--> dead-letter queue
type Topology struct {
	Exchange   string
	Queue      string
	Bindings   []string
	RetryDelay time.Duration
}

func (t Topology) RetryExchange() string { return t.Exchange + ".retry" }
func (t Topology) RetryQueue() string    { return t.Queue + ".retry" }
func (t Topology) DeadLetterExchange() string {
	return t.Exchange + ".dlx"
}
func (t Topology) DeadLetterQueue() string { return t.Queue + ".dlq" }

type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// declareMain declares the exchange and the durable work queue. Publishers
// call it too so a message is never dropped as unroutable before the first
// consumer starts.
func (t Topology) declareMain(ch declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if t.Queue == "" {
		return nil
	}
	args := amqp.Table{"x-dead-letter-exchange": t.RetryExchange()}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	for _, key := range t.Bindings {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s key=%s: %w", t.Queue, t.Exchange, key, err)
		}
	}
	return nil
}

// declareAll adds the retry and dead-letter sides. Only consumers own those,
// the retry ttl is theirs to choose.
func (t Topology) declareAll(ch declarer) error {
	if err := t.declareMain(ch); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.RetryExchange(), "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare retry exchange: %w", err)
	}
	retryArgs := amqp.Table{
		"x-message-ttl":             t.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
	}
	if _, err := ch.QueueDeclare(t.RetryQueue(), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	if err := ch.QueueBind(t.RetryQueue(), "#", t.RetryExchange(), false, nil); err != nil {
		return fmt.Errorf("bind retry queue: %w", err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange(), "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue(), "#", t.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}
	return nil
}
