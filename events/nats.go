// Package events publishes purchase notifications on NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/warp/vending-engine/vending"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends PurchaseCompleted events to a subject.
type Publisher struct {
	conn    Conn
	subject string
}

// Connect dials url. An empty url returns a nil connection and no error.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url, nats.Name("vending-engine"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher announces purchases on vending.TopicPurchaseCompleted over conn.
func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn, subject: vending.TopicPurchaseCompleted}
}

// PublishPurchase implements vending.Publisher.
func (p *Publisher) PublishPurchase(_ context.Context, ev vending.PurchaseCompleted) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", p.subject, err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}
