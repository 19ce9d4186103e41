// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package trail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sapcc/go-api-declarations/cadf"
)

// connections older than this are cycled before the next publish, to avoid
// running into silently dead TCP connections on long-lived processes
const maxConnectionAge = 5 * time.Minute

type rabbitConnection struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queueName   string
	connectedAt time.Time
}

func newRabbitConnection(uri url.URL, queueName string) (*rabbitConnection, error) {
	conn, err := amqp.Dial(uri.String())
	if err != nil {
		return nil, fmt.Errorf("trail: cannot connect to RabbitMQ at %s: %w", uri.Host, err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("trail: cannot open RabbitMQ channel: %w", err)
	}
	_, err = channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("trail: cannot declare queue %q: %w", queueName, err)
	}

	return &rabbitConnection{
		conn:        conn,
		channel:     channel,
		queueName:   queueName,
		connectedAt: time.Now(),
	}, nil
}

func (c *rabbitConnection) isNilOrClosed() bool {
	return c == nil || c.conn == nil || c.conn.IsClosed()
}

func (c *rabbitConnection) isOlderThan(age time.Duration) bool {
	return time.Since(c.connectedAt) > age
}

func (c *rabbitConnection) disconnect() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *rabbitConnection) publishEvent(ctx context.Context, event *cadf.Event) error {
	if c.isNilOrClosed() {
		return fmt.Errorf("trail: not connected to RabbitMQ")
	}

	buf, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("trail: cannot serialize event %s: %w", event.ID, err)
	}
	return c.channel.PublishWithContext(ctx, "", c.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        buf,
	})
}
