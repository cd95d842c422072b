package store

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kenneth/letter-vault/internal/audit"
)

// Address is a user's postal address.
type Address struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city"`
	County   string `json:"county,omitempty"`
	Postcode string `json:"postcode"`
	Country  string `json:"country,omitempty"`
}

// Validate checks the required address fields.
func (a *Address) Validate() error {
	required := []struct {
		field, value string
	}{
		{"line1", a.Line1},
		{"city", a.City},
		{"postcode", a.Postcode},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.field, Message: "is required"}
		}
	}
	for _, v := range []string{a.Line1, a.Line2, a.City, a.County, a.Postcode, a.Country} {
		if len(v) > 256 {
			return &ValidationError{Field: "address", Message: "fields must be at most 256 characters"}
		}
	}
	return nil
}

// AddressStore keeps one encrypted address per owner. The owner id is the
// document id.
type AddressStore struct {
	*records
}

// Save encrypts and stores the owner's address, replacing any previous one.
func (s *AddressStore) Save(ctx context.Context, ownerID string, addr Address) (err error) {
	ctx, span := s.startSpan(ctx, "save", attribute.String("store.owner_id", ownerID))
	defer func() { endSpan(span, err) }()

	if err := validateID("user id", ownerID); err != nil {
		return err
	}
	if err := addr.Validate(); err != nil {
		return err
	}

	ciphertext, err := s.seal(audit.Record{Collection: s.collection, ID: ownerID, OwnerID: ownerID}, addr)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	doc := &Document{
		ID:         ownerID,
		OwnerID:    ownerID,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, err := s.get(ctx, ownerID); err == nil {
		doc.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.put(ctx, "put", doc)
}

// Get returns the owner's address. It returns ErrNotFound when none is
// stored. A stored address that cannot be decrypted is returned as nil with
// no error, unless strict reads are enabled.
func (s *AddressStore) Get(ctx context.Context, ownerID string) (addr *Address, err error) {
	ctx, span := s.startSpan(ctx, "get", attribute.String("store.owner_id", ownerID))
	defer func() { endSpan(span, err) }()

	if err := validateID("user id", ownerID); err != nil {
		return nil, err
	}
	doc, err := s.get(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var a Address
	ok, err := s.open(ctx, doc, &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

// Delete removes the owner's address.
func (s *AddressStore) Delete(ctx context.Context, ownerID string) (err error) {
	ctx, span := s.startSpan(ctx, "delete", attribute.String("store.owner_id", ownerID))
	defer func() { endSpan(span, err) }()

	if err := validateID("user id", ownerID); err != nil {
		return err
	}
	return s.delete(ctx, ownerID)
}
