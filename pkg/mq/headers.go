package mq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderCarrier lets the otel propagator read and write AMQP headers.
type HeaderCarrier amqp.Table

func (c HeaderCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c HeaderCarrier) Set(key, value string) { c[key] = value }

func (c HeaderCarrier) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}

// Attempts returns how many times the delivery has already been rejected
// from queue, according to the broker maintained x-death header.
func Attempts(headers amqp.Table, queue string) int64 {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	var n int64
	for _, raw := range deaths {
		entry, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := entry["queue"].(string); q != queue {
			continue
		}
		if reason, _ := entry["reason"].(string); reason != "rejected" {
			continue
		}
		switch c := entry["count"].(type) {
		case int64:
			n += c
		case int32:
			n += int64(c)
		case int:
			n += int64(c)
		}
	}
	return n
}
