package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// EventType identifies the kind of fact a producer recorded.
type EventType string

// Event type constants
const (
	EventClaimSubmitted     EventType = "CLAIM_SUBMITTED"
	EventClaimStatusChanged EventType = "CLAIM_STATUS_CHANGED"
	EventClaimClosed        EventType = "CLAIM_CLOSED"
	EventRecallMatched      EventType = "RECALL_MATCHED"
	EventWarrantyExpiring   EventType = "WARRANTY_EXPIRING"
	EventMaintenanceDue     EventType = "MAINTENANCE_DUE"
)

// EventStatus is the lifecycle state of a DomainEvent.
type EventStatus string

// Event status constants
const (
	EventStatusPending    EventStatus = "PENDING"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusProcessed  EventStatus = "PROCESSED"
	EventStatusFailed     EventStatus = "FAILED"
	EventStatusDead       EventStatus = "DEAD"
)

// MaxLastErrorLength bounds the error text persisted on a failed event.
const MaxLastErrorLength = 1000

// DomainEvent is a row of the append-only event log written by upstream producers.
type DomainEvent struct {
	ID          uuid.UUID       `json:"id"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	UserID      string          `json:"user_id"`
	PropertyID  *string         `json:"property_id,omitempty"`
	Status      EventStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Channel is a delivery medium for a notification.
type Channel string

// Channel constants
const (
	ChannelInApp Channel = "IN_APP"
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
	ChannelSMS   Channel = "SMS"
)

// Priority tags how urgently a notification should reach the user.
type Priority string

// Priority constants
const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
)

// Metadata keys every notification carries.
const (
	MetaDomainEventID = "domainEventId"
	MetaPriority      = "priority"
)

// Notification is a user-facing record of a fact, independent of channel.
type Notification struct {
	ID         uuid.UUID      `json:"id"`
	UserID     string         `json:"user_id"`
	Type       EventType      `json:"type"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	ActionURL  *string        `json:"action_url,omitempty"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Priority reads the priority tag from metadata. Missing or unknown tags read as normal.
func (n *Notification) Priority() Priority {
	if p, ok := n.Metadata[MetaPriority].(string); ok && Priority(p) == PriorityHigh {
		return PriorityHigh
	}
	return PriorityNormal
}

// DomainEventID reads the originating event id from metadata.
func (n *Notification) DomainEventID() string {
	id, _ := n.Metadata[MetaDomainEventID].(string)
	return id
}

// Key returns the idempotency tuple of the notification.
func (n *Notification) Key() NotificationKey {
	return NotificationKey{
		UserID:        n.UserID,
		Type:          n.Type,
		EntityType:    n.EntityType,
		EntityID:      n.EntityID,
		DomainEventID: n.DomainEventID(),
	}
}

// NotificationKey is the idempotency boundary: at most one notification per key.
type NotificationKey struct {
	UserID        string
	Type          EventType
	EntityType    string
	EntityID      string
	DomainEventID string
}

// DeliveryStatus is the lifecycle state of a NotificationDelivery.
type DeliveryStatus string

// Delivery status constants
const (
	DeliveryStatusPending DeliveryStatus = "PENDING"
	DeliveryStatusSent    DeliveryStatus = "SENT"
	DeliveryStatusFailed  DeliveryStatus = "FAILED"
)

// NotificationDelivery is the per-channel attempt to convey a notification.
type NotificationDelivery struct {
	ID             uuid.UUID      `json:"id"`
	NotificationID uuid.UUID      `json:"notification_id"`
	Channel        Channel        `json:"channel"`
	Status         DeliveryStatus `json:"status"`
	EnqueuedAt     *time.Time     `json:"enqueued_at,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DeliveryItem is a delivery joined with its parent notification.
type DeliveryItem struct {
	Delivery     NotificationDelivery `json:"delivery"`
	Notification Notification         `json:"notification"`
}

// TruncateError bounds an error message to MaxLastErrorLength runes.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxLastErrorLength {
		return msg
	}
	return string(runes[:MaxLastErrorLength])
}
