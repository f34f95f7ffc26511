/**
 * @description
 * This package provides the RabbitMQ integration for the reconciliation
 * engine: a producer publishing authoritative status changes and integrity
 * anomalies to the hosting application, and a consumer for queue-delivered
 * raw gateway events.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

// ReconciliationExchange is the durable topic exchange carrying every
// notification this engine emits.
const ReconciliationExchange = "reconciliation_events"

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish engine notifications.
type Publisher interface {
	PublishStatusChanged(ctx context.Context, event domain.StatusChangedEvent) error
	PublishAnomaly(ctx context.Context, event domain.AnomalyEvent) error
	Close()
}

// ProducerFallback is a minimal publisher used when RabbitMQ is unavailable
// at startup. Status changes degrade to log lines; anomalies are logged at
// error level so they remain observable even without a broker.
type ProducerFallback struct{}

func (p *ProducerFallback) PublishStatusChanged(ctx context.Context, event domain.StatusChangedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"status notification not published\" reference=%s status=%s", event.Reference, event.Status)
	return nil
}

func (p *ProducerFallback) PublishAnomaly(ctx context.Context, event domain.AnomalyEvent) error {
	log.Printf("level=error component=rabbitmq_producer mode=fallback msg=\"anomaly notification not published\" kind=%s reference=%s", event.Kind, event.Reference)
	return nil
}

func (p *ProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// PublishStatusChanged publishes a lattice transition under
// transaction.status.<status>.
func (p *EventProducer) PublishStatusChanged(ctx context.Context, event domain.StatusChangedEvent) error {
	return p.publish(ctx, "transaction.status."+event.Status, event)
}

// PublishAnomaly publishes an integrity anomaly under
// reconciliation.anomaly.<kind>.
func (p *EventProducer) PublishAnomaly(ctx context.Context, event domain.AnomalyEvent) error {
	return p.publish(ctx, "reconciliation.anomaly."+event.Kind, event)
}

func (p *EventProducer) publish(ctx context.Context, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		ReconciliationExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", ReconciliationExchange, err)
		if p.conn == nil {
			return err
		}
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err2 := p.channel.ExchangeDeclare(ReconciliationExchange, "topic", true, false, false, false, nil); err2 != nil {
			return err2
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" routing_key=%s err=%v", routingKey, err)
		return err
	}

	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}
	err = p.channel.PublishWithContext(ctx, ReconciliationExchange, routingKey, false, false, publishing)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" routing_key=%s err=%v", routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if exErr := p.channel.ExchangeDeclare(ReconciliationExchange, "topic", true, false, false, false, nil); exErr == nil {
					if err = p.channel.PublishWithContext(ctx, ReconciliationExchange, routingKey, false, false, publishing); err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
