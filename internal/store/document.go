package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Collection names.
const (
	CollectionAddresses = "addresses"
	CollectionLetters   = "letters"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("document was modified concurrently")
	// ErrUndecryptable is returned in strict mode when a stored record
	// exists but cannot be decrypted.
	ErrUndecryptable = errors.New("record cannot be decrypted")
)

// ValidationError reports invalid caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Document is the persisted form of a record. Ciphertext is an envelope
// string; no plaintext is ever stored.
type Document struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Ciphertext string    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Revision is set by the backend on reads. A Put carrying a non-empty
	// Revision only succeeds if the stored document is still at that
	// revision, otherwise it fails with ErrConflict.
	Revision string `json:"-"`
}

// Backend persists documents by collection and id.
type Backend interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Put creates or replaces a document.
	Put(ctx context.Context, collection string, doc *Document) error
	// Delete removes a document. Deleting a missing document returns ErrNotFound.
	Delete(ctx context.Context, collection, id string) error
	// List returns every document whose id starts with prefix, ordered by id.
	List(ctx context.Context, collection, prefix string) ([]*Document, error)
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	if len(id) > 128 {
		return &ValidationError{Field: field, Message: "must be at most 128 characters"}
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return &ValidationError{Field: field, Message: "contains illegal characters"}
	}
	return nil
}
