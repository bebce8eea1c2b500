package domain

import "time"

// GroupCreationRequestedEvent is the durable fact emitted once a group's creation
// cost has been committed. The provisioning collaborator consumes it.
type GroupCreationRequestedEvent struct {
	EventID          string    `json:"event_id"`
	GroupID          string    `json:"group_id"`
	CreatorAccountID string    `json:"creator_account_id"`
	Name             string    `json:"name"`
	InviteLink       string    `json:"invite_link"`
	ChargeKey        string    `json:"charge_key"`
	CreationCost     int64     `json:"creation_cost"`
	ReviewRequired   bool      `json:"review_required"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// ProvisioningStatusEvent is reported back by the provisioning collaborator.
type ProvisioningStatusEvent struct {
	EventID    string    `json:"event_id"`
	GroupID    string    `json:"group_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OutcomeEvent is the structured record emitted once per completed atomic operation.
type OutcomeEvent struct {
	Operation      string        `json:"operation"`
	Status         string        `json:"status"`
	Latency        time.Duration `json:"latency_ns"`
	LatencyMS      float64       `json:"latency_ms"`
	AccountID      string        `json:"account_id,omitempty"`
	GroupID        string        `json:"group_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}
