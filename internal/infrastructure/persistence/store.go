// Package persistence saves and loads document trees.
package persistence

import (
	"context"
	"regexp"

	"loom-backend/internal/domain/tree"
	pkgerrors "loom-backend/pkg/errors"
)

// Store persists documents by id.
type Store interface {
	// Save replaces the stored document.
	Save(ctx context.Context, docID string, doc *tree.DocumentRecord) error
	// Load returns the stored document or a not-found error.
	Load(ctx context.Context, docID string) (*tree.DocumentRecord, error)
	// List returns the ids of every stored document, sorted.
	List(ctx context.Context) ([]string, error)
}

var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateDocumentID rejects ids that are unsafe as file names or keys.
func ValidateDocumentID(docID string) error {
	if !docIDPattern.MatchString(docID) || docID == "." || docID == ".." {
		return pkgerrors.NewValidationError("invalid document id").WithDetail("document_id", docID)
	}
	return nil
}
