// Package notify publishes the ledger's outbound asynchronous messages.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

const EventTierAchieved = "tier_achieved"

type Achievement struct {
	Event        string    `json:"event"`
	EarnerID     string    `json:"earnerId"`
	EarnerClass  string    `json:"earnerClass"`
	Tier         string    `json:"tier"`
	PreviousTier string    `json:"previousTier"`
	MonthlySales int       `json:"monthlySales"`
	AchievedAt   time.Time `json:"achievedAt"`
}

type AchievementNotifier interface {
	Award(ctx context.Context, a Achievement) error
}

// DeadLetter carries an inbound event that failed unexpectedly.
type DeadLetter struct {
	Source   string          `json:"source"`
	Kind     string          `json:"kind"`
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failedAt"`
}

type DeadLetterSink interface {
	Publish(ctx context.Context, d DeadLetter) error
}
