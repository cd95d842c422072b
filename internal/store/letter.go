package store

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kenneth/letter-vault/internal/audit"
)

const (
	maxTitleLength     = 200
	maxRecipientLength = 200
	maxBodyLength      = 100000
)

// LetterContent is the encrypted part of a saved letter.
type LetterContent struct {
	Title     string `json:"title"`
	Recipient string `json:"recipient,omitempty"`
	Body      string `json:"body"`
}

// Validate checks the letter content.
func (c *LetterContent) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}
	if strings.TrimSpace(c.Body) == "" {
		return &ValidationError{Field: "body", Message: "is required"}
	}
	if utf8.RuneCountInString(c.Title) > maxTitleLength {
		return &ValidationError{Field: "title", Message: "is too long"}
	}
	if utf8.RuneCountInString(c.Recipient) > maxRecipientLength {
		return &ValidationError{Field: "recipient", Message: "is too long"}
	}
	if utf8.RuneCountInString(c.Body) > maxBodyLength {
		return &ValidationError{Field: "body", Message: "is too long"}
	}
	return nil
}

// Letter is a saved letter. Content is nil and Unreadable is set when the
// stored ciphertext could not be decrypted.
type Letter struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	Content    *LetterContent `json:"content"`
	Unreadable bool           `json:"unreadable,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// LetterStore keeps a user's saved letters. Document ids are
// "<owner id>/<letter id>" so that a user's letters share a prefix.
type LetterStore struct {
	*records
}

func letterDocID(ownerID, letterID string) string {
	return ownerID + "/" + letterID
}

// Create encrypts and stores a new letter with a generated id.
func (s *LetterStore) Create(ctx context.Context, ownerID string, content LetterContent) (letter *Letter, err error) {
	ctx, span := s.startSpan(ctx, "create", attribute.String("store.owner_id", ownerID))
	defer func() { endSpan(span, err) }()

	if err := validateID("user id", ownerID); err != nil {
		return nil, err
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}

	letterID := uuid.NewString()
	span.SetAttributes(attribute.String("store.record_id", letterID))

	ciphertext, err := s.seal(audit.Record{Collection: s.collection, ID: letterID, OwnerID: ownerID}, content)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	doc := &Document{
		ID:         letterDocID(ownerID, letterID),
		OwnerID:    ownerID,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.put(ctx, "put", doc); err != nil {
		return nil, err
	}

	return &Letter{
		ID:        letterID,
		OwnerID:   ownerID,
		Content:   &content,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get returns one letter or ErrNotFound.
func (s *LetterStore) Get(ctx context.Context, ownerID, letterID string) (letter *Letter, err error) {
	ctx, span := s.startSpan(ctx, "get",
		attribute.String("store.owner_id", ownerID),
		attribute.String("store.record_id", letterID))
	defer func() { endSpan(span, err) }()

	if err := validateLetterIDs(ownerID, letterID); err != nil {
		return nil, err
	}
	doc, err := s.get(ctx, letterDocID(ownerID, letterID))
	if err != nil {
		return nil, err
	}
	return s.toLetter(ctx, doc, letterID)
}

// List returns all of the owner's letters ordered by creation time. An
// undecryptable letter is included with Unreadable set unless strict reads
// are enabled.
func (s *LetterStore) List(ctx context.Context, ownerID string) (letters []*Letter, err error) {
	ctx, span := s.startSpan(ctx, "list", attribute.String("store.owner_id", ownerID))
	defer func() { endSpan(span, err) }()

	if err := validateID("user id", ownerID); err != nil {
		return nil, err
	}
	prefix := letterDocID(ownerID, "")
	docs, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}

	letters = make([]*Letter, 0, len(docs))
	for _, doc := range docs {
		letter, err := s.toLetter(ctx, doc, strings.TrimPrefix(doc.ID, prefix))
		if err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	sortLetters(letters)
	span.SetAttributes(attribute.Int("store.count", len(letters)))
	return letters, nil
}

// Update re-encrypts the letter with new content. It fails with ErrConflict
// if the letter changed between the read and the write.
func (s *LetterStore) Update(ctx context.Context, ownerID, letterID string, content LetterContent) (letter *Letter, err error) {
	ctx, span := s.startSpan(ctx, "update",
		attribute.String("store.owner_id", ownerID),
		attribute.String("store.record_id", letterID))
	defer func() { endSpan(span, err) }()

	if err := validateLetterIDs(ownerID, letterID); err != nil {
		return nil, err
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}

	doc, err := s.get(ctx, letterDocID(ownerID, letterID))
	if err != nil {
		return nil, err
	}

	ciphertext, err := s.seal(audit.Record{Collection: s.collection, ID: letterID, OwnerID: ownerID}, content)
	if err != nil {
		return nil, err
	}
	doc.Ciphertext = ciphertext
	doc.UpdatedAt = s.now().UTC()
	if err := s.put(ctx, "put", doc); err != nil {
		return nil, err
	}

	return &Letter{
		ID:        letterID,
		OwnerID:   ownerID,
		Content:   &content,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Delete removes a letter.
func (s *LetterStore) Delete(ctx context.Context, ownerID, letterID string) (err error) {
	ctx, span := s.startSpan(ctx, "delete",
		attribute.String("store.owner_id", ownerID),
		attribute.String("store.record_id", letterID))
	defer func() { endSpan(span, err) }()

	if err := validateLetterIDs(ownerID, letterID); err != nil {
		return err
	}
	return s.delete(ctx, letterDocID(ownerID, letterID))
}

func (s *LetterStore) toLetter(ctx context.Context, doc *Document, letterID string) (*Letter, error) {
	letter := &Letter{
		ID:        letterID,
		OwnerID:   doc.OwnerID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	var content LetterContent
	ok, err := s.open(ctx, doc, &content)
	if err != nil {
		return nil, err
	}
	if !ok {
		letter.Unreadable = true
		return letter, nil
	}
	letter.Content = &content
	return letter, nil
}

func validateLetterIDs(ownerID, letterID string) error {
	if err := validateID("user id", ownerID); err != nil {
		return err
	}
	return validateID("letter id", letterID)
}

func sortLetters(letters []*Letter) {
	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].CreatedAt.Before(letters[j].CreatedAt)
	})
}
