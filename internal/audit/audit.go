package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents an encryption of a stored record.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a decryption of a stored record.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKeyRotation represents a record moved to the primary key version.
	EventTypeKeyRotation EventType = "key_rotation"
	// EventTypeDecryptFailure represents a stored record that could not be read.
	EventTypeDecryptFailure EventType = "decrypt_failure"
)

// AuditEvent represents a single audit log event. It never carries
// plaintext, ciphertext or key material.
type AuditEvent struct {
	Timestamp      time.Time      `json:"timestamp"`
	EventType      EventType      `json:"event_type"`
	Operation      string         `json:"operation"`
	Collection     string         `json:"collection,omitempty"`
	RecordID       string         `json:"record_id,omitempty"`
	OwnerID        string         `json:"owner_id,omitempty"`
	KeyVersion     string         `json:"key_version,omitempty"`
	PrimaryVersion string         `json:"primary_version,omitempty"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Duration       time.Duration  `json:"duration_ms"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Record identifies the stored record an event is about.
type Record struct {
	Collection string
	ID         string
	OwnerID    string
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs an encryption of rec under keyVersion.
	LogEncrypt(rec Record, keyVersion string, success bool, err error, duration time.Duration)

	// LogDecrypt logs a decryption of rec stored under keyVersion.
	LogDecrypt(rec Record, keyVersion string, success bool, err error, duration time.Duration)

	// LogKeyRotation logs rec moving from one key version to another.
	LogKeyRotation(rec Record, fromVersion, toVersion string, success bool, err error)

	// LogDecryptFailure logs a record that could not be decrypted.
	LogDecryptFailure(rec Record, keyVersion, reason string, err error)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger keeping the last maxEvents events.
// A nil writer writes JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var writeErr error
	if l.writer != nil {
		writeErr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return writeErr
}

// LogEncrypt logs an encryption operation.
func (l *auditLogger) LogEncrypt(rec Record, keyVersion string, success bool, err error, duration time.Duration) {
	l.logOp(EventTypeEncrypt, rec, keyVersion, success, err, duration)
}

// LogDecrypt logs a decryption operation.
func (l *auditLogger) LogDecrypt(rec Record, keyVersion string, success bool, err error, duration time.Duration) {
	l.logOp(EventTypeDecrypt, rec, keyVersion, success, err, duration)
}

func (l *auditLogger) logOp(eventType EventType, rec Record, keyVersion string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  eventType,
		Operation:  string(eventType),
		Collection: rec.Collection,
		RecordID:   rec.ID,
		OwnerID:    rec.OwnerID,
		KeyVersion: keyVersion,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

// LogKeyRotation logs a key rotation of a single record.
func (l *auditLogger) LogKeyRotation(rec Record, fromVersion, toVersion string, success bool, err error) {
	event := &AuditEvent{
		Timestamp:      time.Now(),
		EventType:      EventTypeKeyRotation,
		Operation:      "key_rotation",
		Collection:     rec.Collection,
		RecordID:       rec.ID,
		OwnerID:        rec.OwnerID,
		KeyVersion:     fromVersion,
		PrimaryVersion: toVersion,
		Success:        success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

// LogDecryptFailure logs a record that is present but cannot be decrypted.
func (l *auditLogger) LogDecryptFailure(rec Record, keyVersion, reason string, err error) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeDecryptFailure,
		Operation:  "decrypt",
		Collection: rec.Collection,
		RecordID:   rec.ID,
		OwnerID:    rec.OwnerID,
		KeyVersion: keyVersion,
		Reason:     reason,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON object per line.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns an EventWriter that writes JSON lines to out.
func NewJSONWriter(out io.Writer) EventWriter {
	return &jsonWriter{out: out}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.out, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// logrusWriter forwards events to a logrus logger under the "audit" component.
type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns an EventWriter that emits each event as a logrus entry.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"component":  "audit",
		"event_type": event.EventType,
		"operation":  event.Operation,
		"success":    event.Success,
	}
	if event.Collection != "" {
		fields["collection"] = event.Collection
	}
	if event.RecordID != "" {
		fields["record_id"] = event.RecordID
	}
	if event.OwnerID != "" {
		fields["owner_id"] = event.OwnerID
	}
	if event.KeyVersion != "" {
		fields["key_version"] = event.KeyVersion
	}
	if event.PrimaryVersion != "" {
		fields["primary_version"] = event.PrimaryVersion
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}

	entry := w.logger.WithFields(fields)
	if event.Error != "" {
		entry = entry.WithField("error", event.Error)
	}
	if event.EventType == EventTypeDecryptFailure || !event.Success {
		entry.Warn("audit event")
		return nil
	}
	entry.Info("audit event")
	return nil
}
