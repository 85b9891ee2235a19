package vending

import (
	"context"
	"time"
)

// TopicPurchaseCompleted is the subject committed purchases are published on.
const TopicPurchaseCompleted = "vending.purchases.completed"

// PurchaseCompleted is emitted after a purchase has been committed.
type PurchaseCompleted struct {
	PurchaseID PurchaseID    `json:"purchase_id"`
	DrinkID    DrinkID       `json:"drink_id"`
	DrinkName  string        `json:"drink_name"`
	Cost       int64         `json:"cost"`
	Paid       int64         `json:"paid"`
	Change     []ChangeEntry `json:"change"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Publisher delivers purchase events. Delivery is best effort: the purchase
// is already committed when Publish is called.
type Publisher interface {
	PublishPurchase(ctx context.Context, ev PurchaseCompleted) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishPurchase(context.Context, PurchaseCompleted) error { return nil }
