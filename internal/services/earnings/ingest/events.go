package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated       = "order_created"
	EventOrderStatusChanged = "order_status_changed"

	// ChannelPrefix is the redis pub/sub namespace order events are published under.
	ChannelPrefix = "orders:events:"
)

// OrderEvent is the envelope every order event source delivers.
type OrderEvent struct {
	EventType    string          `json:"event_type"`
	OrderID      string          `json:"order_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	ReferralCode string          `json:"referral_code,omitempty"`
	DispensaryID string          `json:"dispensary_id,omitempty"`
	Before       string          `json:"before_status,omitempty"`
	After        string          `json:"after_status,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

type OrderCreated struct {
	OrderID      string
	TotalAmount  decimal.Decimal
	Subtotal     decimal.Decimal
	ReferralCode string
	DispensaryID string
}

type OrderStatusChanged struct {
	OrderID string
	Before  string
	After   string
}

func (e OrderEvent) Created() OrderCreated {
	return OrderCreated{
		OrderID:      e.OrderID,
		TotalAmount:  e.TotalAmount,
		Subtotal:     e.Subtotal,
		ReferralCode: e.ReferralCode,
		DispensaryID: e.DispensaryID,
	}
}

func (e OrderEvent) StatusChanged() OrderStatusChanged {
	return OrderStatusChanged{OrderID: e.OrderID, Before: e.Before, After: e.After}
}

// DecodeEvent parses a JSON envelope. fallbackType names the event when the payload
// omits event_type, as happens when the transport already encodes it.
func DecodeEvent(payload []byte, fallbackType string) (OrderEvent, error) {
	var ev OrderEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return OrderEvent{}, fmt.Errorf("decode order event: %w", err)
	}
	if ev.EventType == "" {
		ev.EventType = fallbackType
	}
	switch ev.EventType {
	case EventOrderCreated, EventOrderStatusChanged:
	default:
		return OrderEvent{}, fmt.Errorf("unsupported order event type %q", ev.EventType)
	}
	if strings.TrimSpace(ev.OrderID) == "" {
		return OrderEvent{}, fmt.Errorf("order event without order_id")
	}
	return ev, nil
}

// EventTypeForChannel maps orders:events:<type> to <type>.
func EventTypeForChannel(channel string) string {
	return strings.TrimPrefix(channel, ChannelPrefix)
}
