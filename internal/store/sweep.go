package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kenneth/letter-vault/internal/crypto"
)

// invalidVersion counts documents whose ciphertext has no readable version.
const invalidVersion = "(invalid)"

// SweepReport summarises a rotation sweep over one collection.
type SweepReport struct {
	Collection string `json:"collection"`
	Scanned    int    `json:"scanned"`
	Rotated    int    `json:"rotated"`
	Failed     int    `json:"failed"`
	// ByVersion counts scanned documents by the key version they were
	// stored under before the sweep.
	ByVersion map[string]int `json:"by_version"`
	Duration  time.Duration  `json:"duration"`
}

// Versions returns the key versions seen, sorted.
func (r *SweepReport) Versions() []string {
	versions := make([]string, 0, len(r.ByVersion))
	for v := range r.ByVersion {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Sweep reads every document in collection and moves any stored under a
// non-primary key version to the primary. Undecryptable documents and
// failed writes are counted in Failed; they never stop the sweep.
func (s *Store) Sweep(ctx context.Context, collection string) (report *SweepReport, err error) {
	r, ok := s.records[collection]
	if !ok {
		return nil, &ValidationError{Field: "collection", Message: fmt.Sprintf("unknown collection %q", collection)}
	}

	ctx, span := r.startSpan(ctx, "sweep")
	defer func() { endSpan(span, err) }()

	start := time.Now()
	docs, err := r.list(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	report = &SweepReport{Collection: collection, ByVersion: make(map[string]int)}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		version, verr := crypto.EnvelopeVersion(doc.Ciphertext)
		if verr != nil {
			version = invalidVersion
		}
		report.ByVersion[version]++

		result, persisted, err := r.decrypt(ctx, doc, nil)
		switch {
		case err != nil:
			report.Failed++
		case result.Rotated && !persisted:
			report.Failed++
		case result.Rotated:
			report.Rotated++
		}
	}
	report.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("sweep.scanned", report.Scanned),
		attribute.Int("sweep.rotated", report.Rotated),
		attribute.Int("sweep.failed", report.Failed),
	)
	r.logger.WithFields(logrus.Fields{
		"collection":      collection,
		"scanned":         report.Scanned,
		"rotated":         report.Rotated,
		"failed":          report.Failed,
		"by_version":      report.ByVersion,
		"primary_version": r.crypto.PrimaryVersion(),
		"duration_ms":     report.Duration.Milliseconds(),
	}).Info("Key rotation sweep completed")
	return report, nil
}

// SweepAll sweeps every collection in turn.
func (s *Store) SweepAll(ctx context.Context) ([]*SweepReport, error) {
	reports := make([]*SweepReport, 0, len(s.records))
	for _, collection := range s.Collections() {
		report, err := s.Sweep(ctx, collection)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
