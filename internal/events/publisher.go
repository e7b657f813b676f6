package events

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Routing keys published on the campaign topic exchange.
const (
	CampaignSent    = "campaign.sent"
	CampaignFlagged = "campaign.flagged"
	JobDeadLettered = "job.dead_lettered"
)

const exchange = "campaign_events"

// Publisher pushes campaign lifecycle events to RabbitMQ for downstream
// consumers (CRUD layer, analytics). Publishing is best-effort: failures are
// logged and never block dispatch. A nil *Publisher is safe to call.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logrus.Logger
}

// Connect dials RabbitMQ and declares the topic exchange. An empty URL
// returns (nil, nil): event publishing is simply disabled.
func Connect(url string, log *logrus.Logger) (*Publisher, error) {
	if url == "" {
		log.Info("RABBITMQ_URL not set, event publishing disabled")
		return nil, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, log: log}, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.ch.Close()
	p.conn.Close()
}

// Publish marshals body to JSON and publishes it under the routing key.
func (p *Publisher) Publish(routingKey string, body interface{}) {
	if p == nil {
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		p.log.WithError(err).WithField("routing_key", routingKey).Warn("event marshal failed")
		return
	}

	err = p.ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		p.log.WithError(err).WithField("routing_key", routingKey).Warn("event publish failed")
	}
}
