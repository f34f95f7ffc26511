/**
 * @description
 * RabbitMQ consumer for queue-delivered raw gateway events. It binds a
 * durable queue to the gateway event exchange and dispatches deliveries to
 * handlers by routing key. Handlers return true to ack a message and false
 * to nack it back onto the queue for redelivery.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// HandlerFunc processes one delivery body. Returning true acknowledges the
// message; returning false requeues it.
type HandlerFunc func(body []byte) bool

// EventConsumer holds the RabbitMQ connection and channel for consuming messages.
type EventConsumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewEventConsumer creates and returns a new EventConsumer.
func NewEventConsumer(amqpURL string) (*EventConsumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventConsumer{conn: conn, channel: ch}, nil
}

// ConsumeWithBindings declares a durable queue, binds it to the given topic
// exchange under each routing key, and dispatches deliveries to the handler
// registered for their routing key. Unmatched routing keys fall back to the
// handler registered under "#" when present, otherwise the delivery is acked
// and dropped with a warning.
//
// The method blocks until the delivery channel closes.
func (c *EventConsumer) ConsumeWithBindings(exchange, queueName string, handlers map[string]HandlerFunc) error {
	if err := c.channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // args
	); err != nil {
		return err
	}

	q, err := c.channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return err
	}

	for routingKey := range handlers {
		if err := c.channel.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := c.channel.Consume(
		q.Name,
		"",    // consumer tag
		false, // autoAck: manual ack so failed handling can requeue
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return err
	}

	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" queue=%s exchange=%s bindings=%d", q.Name, exchange, len(handlers))

	for d := range deliveries {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			handler, ok = handlers["#"]
		}
		if !ok {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
			d.Ack(false)
			continue
		}
		if handler(d.Body) {
			d.Ack(false)
		} else {
			d.Nack(false, true)
		}
	}

	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (c *EventConsumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
