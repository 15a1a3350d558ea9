// Package shared holds the identifier value objects used across the document domain.
package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID uniquely identifies a node. It is stable for the node's lifetime,
// including across structural moves.
type NodeID string

// NewNodeID creates a new random NodeID
func NewNodeID() NodeID {
	return NodeID(uuid.New().String())
}

// ParseNodeID creates a NodeID from an existing string
func ParseNodeID(s string) (NodeID, error) {
	if err := validateUUID("node", s); err != nil {
		return "", err
	}
	return NodeID(s), nil
}

// String returns the string representation
func (id NodeID) String() string { return string(id) }

// IsZero reports whether the id is unset
func (id NodeID) IsZero() bool { return id == "" }

// ChapterID identifies a chapter record.
type ChapterID string

// NewChapterID creates a new random ChapterID
func NewChapterID() ChapterID {
	return ChapterID(uuid.New().String())
}

// ParseChapterID creates a ChapterID from an existing string
func ParseChapterID(s string) (ChapterID, error) {
	if err := validateUUID("chapter", s); err != nil {
		return "", err
	}
	return ChapterID(s), nil
}

func (id ChapterID) String() string { return string(id) }
func (id ChapterID) IsZero() bool   { return id == "" }

// MemoryID identifies a memory entry.
type MemoryID string

// NewMemoryID creates a new random MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// ParseMemoryID creates a MemoryID from an existing string
func ParseMemoryID(s string) (MemoryID, error) {
	if err := validateUUID("memory", s); err != nil {
		return "", err
	}
	return MemoryID(s), nil
}

func (id MemoryID) String() string { return string(id) }

// SummaryID identifies a summary record.
type SummaryID string

// NewSummaryID creates a new random SummaryID
func NewSummaryID() SummaryID {
	return SummaryID(uuid.New().String())
}

// ParseSummaryID creates a SummaryID from an existing string
func ParseSummaryID(s string) (SummaryID, error) {
	if err := validateUUID("summary", s); err != nil {
		return "", err
	}
	return SummaryID(s), nil
}

func (id SummaryID) String() string { return string(id) }

func validateUUID(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s ID cannot be empty", kind)
	}
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("%s ID must be a valid UUID: %w", kind, err)
	}
	return nil
}
