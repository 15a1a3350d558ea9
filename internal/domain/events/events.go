// Package events defines the notifications emitted by the document tree.
package events

import (
	"time"

	"loom-backend/internal/domain/shared"
)

// Event types
const (
	EventTypeTreeChanged = "tree.changed"
)

// DomainEvent is the base interface for all domain events
// Events represent something that has happened in the past
type DomainEvent interface {
	GetAggregateID() string
	GetEventType() string
	GetTimestamp() time.Time
	GetVersion() int
}

// BaseEvent provides common event fields
type BaseEvent struct {
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

func (e BaseEvent) GetAggregateID() string  { return e.AggregateID }
func (e BaseEvent) GetEventType() string    { return e.EventType }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetVersion() int         { return e.Version }

// TreeChanged is raised once per logical mutating operation. It is the only
// integration seam for rendering layers.
type TreeChanged struct {
	BaseEvent
	Operation string          `json:"operation"`
	Added     []shared.NodeID `json:"added"`
	Edited    []shared.NodeID `json:"edited"`
	Deleted   []shared.NodeID `json:"deleted"`
}

// NewTreeChanged creates a TreeChanged event. aggregateID is the root of the
// tree at the time of the change.
func NewTreeChanged(aggregateID shared.NodeID, operation string, version int, added, edited, deleted []shared.NodeID, timestamp time.Time) TreeChanged {
	return TreeChanged{
		BaseEvent: BaseEvent{
			AggregateID: aggregateID.String(),
			EventType:   EventTypeTreeChanged,
			Timestamp:   timestamp,
			Version:     version,
		},
		Operation: operation,
		Added:     added,
		Edited:    edited,
		Deleted:   deleted,
	}
}

// IsEmpty reports whether the event carries no changes.
func (e TreeChanged) IsEmpty() bool {
	return len(e.Added) == 0 && len(e.Edited) == 0 && len(e.Deleted) == 0
}
