package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/letter-vault/internal/audit"
	"github.com/kenneth/letter-vault/internal/crypto"
	"github.com/kenneth/letter-vault/internal/metrics"
)

const tracerName = "letter-vault/store"

// Options configures a Store. Only Backend and Crypto are required.
type Options struct {
	Backend Backend
	Crypto  *crypto.Service
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Tracer  trace.Tracer
	// StrictReads turns undecryptable records into ErrUndecryptable
	// instead of reporting them as absent.
	StrictReads bool
	// Now is used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Store bundles the record stores that share one backend and crypto service.
type Store struct {
	Addresses *AddressStore
	Letters   *LetterStore

	records map[string]*records
}

// New creates the address and letter stores.
func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("store: backend is required")
	}
	if opts.Crypto == nil {
		return nil, errors.New("store: crypto service is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	addresses := newRecords(CollectionAddresses, opts)
	letters := newRecords(CollectionLetters, opts)
	return &Store{
		Addresses: &AddressStore{records: addresses},
		Letters:   &LetterStore{records: letters},
		records: map[string]*records{
			CollectionAddresses: addresses,
			CollectionLetters:   letters,
		},
	}, nil
}

// Collections returns the collection names known to the store.
func (s *Store) Collections() []string {
	return []string{CollectionAddresses, CollectionLetters}
}

// records holds the encrypt, decrypt and rotate logic shared by every collection.
type records struct {
	collection string
	backend    Backend
	crypto     *crypto.Service
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	audit      audit.Logger
	tracer     trace.Tracer
	strict     bool
	now        func() time.Time
}

func newRecords(collection string, opts Options) *records {
	return &records{
		collection: collection,
		backend:    opts.Backend,
		crypto:     opts.Crypto,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		audit:      opts.Audit,
		tracer:     opts.Tracer,
		strict:     opts.StrictReads,
		now:        opts.Now,
	}
}

func (r *records) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("store.collection", r.collection))
	return r.tracer.Start(ctx, "store."+r.collection+"."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// seal encrypts v under the primary key version.
func (r *records) seal(rec audit.Record, v any) (string, error) {
	start := time.Now()
	ciphertext, err := r.crypto.EncryptObject(v)
	duration := time.Since(start)

	if r.audit != nil {
		r.audit.LogEncrypt(rec, r.crypto.PrimaryVersion(), err == nil, err, duration)
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordEncryptionError("encrypt", crypto.FailureReason(err))
		}
		return "", fmt.Errorf("failed to encrypt %s record: %w", r.collection, err)
	}
	if r.metrics != nil {
		r.metrics.RecordEncryptionOperation("encrypt", r.collection, duration)
	}
	return ciphertext, nil
}

// decrypt decrypts doc into v and, when the document was written under a
// retired key version, persists the rotated ciphertext. A failed persist
// does not fail the read; persisted reports whether the write succeeded.
func (r *records) decrypt(ctx context.Context, doc *Document, v any) (result crypto.RotationResult, persisted bool, err error) {
	rec := audit.Record{Collection: r.collection, ID: doc.ID, OwnerID: doc.OwnerID}
	span := trace.SpanFromContext(ctx)

	start := time.Now()
	result, err = r.crypto.DecryptObjectWithRotation(doc.Ciphertext, v)
	duration := time.Since(start)
	if err != nil {
		r.reportDecryptFailure(rec, doc.Ciphertext, err)
		return crypto.RotationResult{}, false, err
	}

	span.SetAttributes(attribute.String("crypto.key_version", result.SourceVersion))
	if r.metrics != nil {
		r.metrics.RecordEncryptionOperation("decrypt", r.collection, duration)
	}
	if r.audit != nil {
		r.audit.LogDecrypt(rec, result.SourceVersion, true, nil, duration)
	}
	if !result.Rotated {
		return result, false, nil
	}

	span.SetAttributes(
		attribute.Bool("crypto.rotated", true),
		attribute.String("crypto.primary_version", result.PrimaryVersion),
	)
	if r.metrics != nil {
		r.metrics.RecordRotatedRead(result.SourceVersion, result.PrimaryVersion)
	}

	rotated := *doc
	rotated.Ciphertext = result.Ciphertext
	persistErr := r.put(ctx, "rotate", &rotated)
	if r.audit != nil {
		r.audit.LogKeyRotation(rec, result.SourceVersion, result.PrimaryVersion, persistErr == nil, persistErr)
	}
	if persistErr != nil {
		r.logger.WithError(persistErr).WithFields(logrus.Fields{
			"collection":      r.collection,
			"id":              doc.ID,
			"key_version":     result.SourceVersion,
			"primary_version": result.PrimaryVersion,
		}).Warn("Failed to persist rotated ciphertext")
		if r.metrics != nil {
			r.metrics.RecordRotationPersistFailure(r.collection)
		}
		return result, false, nil
	}

	doc.Ciphertext = rotated.Ciphertext
	doc.Revision = rotated.Revision
	r.logger.WithFields(logrus.Fields{
		"collection":      r.collection,
		"id":              doc.ID,
		"key_version":     result.SourceVersion,
		"primary_version": result.PrimaryVersion,
	}).Debug("Rotated record to primary key version")
	return result, true, nil
}

func (r *records) reportDecryptFailure(rec audit.Record, ciphertext string, err error) {
	reason := crypto.FailureReason(err)
	version, verr := crypto.EnvelopeVersion(ciphertext)
	if verr != nil {
		version = ""
	}

	r.logger.WithError(err).WithFields(logrus.Fields{
		"collection":  r.collection,
		"id":          rec.ID,
		"owner_id":    rec.OwnerID,
		"key_version": version,
		"reason":      reason,
	}).Warn("Failed to decrypt stored record")
	if r.metrics != nil {
		r.metrics.RecordDecryptFailure(r.collection, reason)
		r.metrics.RecordEncryptionError("decrypt", reason)
	}
	if r.audit != nil {
		r.audit.LogDecryptFailure(rec, version, reason, err)
	}
}

// open decrypts doc for a read. In lenient mode a per-record failure yields
// ok=false with a nil error; in strict mode it yields ErrUndecryptable.
// Errors that are not about the record itself are always returned.
func (r *records) open(ctx context.Context, doc *Document, v any) (bool, error) {
	if _, _, err := r.decrypt(ctx, doc, v); err != nil {
		if !crypto.IsRecordError(err) {
			return false, fmt.Errorf("failed to decrypt %s record %s: %w", r.collection, doc.ID, err)
		}
		if r.strict {
			return false, fmt.Errorf("%w: %s record %s: %w", ErrUndecryptable, r.collection, doc.ID, err)
		}
		return false, nil
	}
	return true, nil
}

func (r *records) get(ctx context.Context, id string) (*Document, error) {
	start := time.Now()
	doc, err := r.backend.Get(ctx, r.collection, id)
	r.recordBackend("get", err, start)
	return doc, err
}

func (r *records) put(ctx context.Context, op string, doc *Document) error {
	start := time.Now()
	err := r.backend.Put(ctx, r.collection, doc)
	r.recordBackend(op, err, start)
	return err
}

func (r *records) delete(ctx context.Context, id string) error {
	start := time.Now()
	err := r.backend.Delete(ctx, r.collection, id)
	r.recordBackend("delete", err, start)
	return err
}

func (r *records) list(ctx context.Context, prefix string) ([]*Document, error) {
	start := time.Now()
	docs, err := r.backend.List(ctx, r.collection, prefix)
	r.recordBackend("list", err, start)
	return docs, err
}

func (r *records) recordBackend(op string, err error, start time.Time) {
	if r.metrics == nil {
		return
	}
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	r.metrics.RecordStoreOperation(op, r.collection, err, time.Since(start))
}
