package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a persisted order.
type Status string

const (
	StatusReceived Status = "received"
	StatusQueued   Status = "queued"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s == StatusQueued || s == StatusFailed }

// LineItem is one entry of an order.
type LineItem struct {
	Name     string `json:"name" validate:"required,nonblank,max=128"`
	Quantity int64  `json:"quantity" validate:"gt=0"`
}

// Order is the record owned by the order store.
type Order struct {
	OrderID   string     `json:"orderId" validate:"required,max=128"`
	Customer  string     `json:"customer" validate:"required,max=256"`
	Items     []LineItem `json:"items" validate:"required,min=1,dive"`
	CreatedAt time.Time  `json:"createdAt"`
	Status    Status     `json:"status" validate:"oneof=received queued failed"`
}

// Event is the wire record appended to the event log for a persisted order.
type Event struct {
	EventID      string `json:"eventId"`
	OrderID      string `json:"orderId"`
	Payload      Order  `json:"payload"`
	PartitionKey string `json:"partitionKey"`
	Partition    int    `json:"partition"`
	Sequence     int64  `json:"sequence"`
}

// RankingEntry is one row of the popular-items view.
type RankingEntry struct {
	Item  string  `json:"item"`
	Score float64 `json:"score"`
}

const DefaultCustomer = "Anonymous"

// NewOrderID returns ORD-<unix millis>-<random>. Collision resistant but not a secret.
func NewOrderID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), suffix)
}

// EventIDFor derives the event id from the order id so that republishing the
// same order yields the same id.
func EventIDFor(orderID string) string { return "EVT-" + orderID }

// NewEvent builds the order-created event. Partition and Sequence are filled in
// by the partitioner and the log.
func NewEvent(o Order) Event {
	return Event{
		EventID:      EventIDFor(o.OrderID),
		OrderID:      o.OrderID,
		Payload:      o,
		PartitionKey: o.Customer,
	}
}
