package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/config"
	"github.com/kenneth/segment-key-gateway/internal/content"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeyIssuance records a batch of segment keys being issued.
	EventTypeKeyIssuance EventType = "key_issuance"
	// EventTypeKeyDelivery records a segment key handed to a client.
	EventTypeKeyDelivery EventType = "key_delivery"
	// EventTypeAccessDecision records an entitlement gate outcome.
	EventTypeAccessDecision EventType = "access_decision"
	// EventTypePipelineRun records the end of a pipeline run.
	EventTypePipelineRun EventType = "pipeline_run"
)

// AuditEvent represents a single audit log event. Key material never
// appears in an event, only key ids.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   EventType              `json:"event_type"`
	ContentKind string                 `json:"content_kind,omitempty"`
	ContentID   string                 `json:"content_id,omitempty"`
	Variant     string                 `json:"variant,omitempty"`
	KeyID       string                 `json:"key_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Decision    string                 `json:"decision,omitempty"`
	Count       int                    `json:"count,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration_ms,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an event as is.
	Log(event *AuditEvent) error

	// LogKeyIssuance records an issuance call for a content item.
	LogKeyIssuance(ref content.Ref, variant content.Variant, count int, err error, duration time.Duration)

	// LogKeyDelivery records a key being served (or refused) to a user.
	LogKeyDelivery(keyID, userID, requestID, envelope string, err error)

	// LogAccessDecision records the terminal state of an entitlement check.
	LogAccessDecision(ref content.Ref, variant content.Variant, userID, requestID, state string, allowed bool, err error)

	// LogPipelineRun records the outcome of a pipeline run.
	LogPipelineRun(ref content.Ref, variant content.Variant, stage string, err error, duration time.Duration, metadata map[string]interface{})

	// GetEvents returns the buffered events, newest last.
	GetEvents() []*AuditEvent

	// Close flushes and closes the underlying writer.
	Close() error
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
	now        func() time.Time
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger that replaces the named
// metadata keys with a placeholder.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewLoggerFromConfig builds the logger and sink chain described by cfg. A
// disabled configuration yields a logger that only keeps the in-memory buffer.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	if !cfg.Enabled {
		return NewLoggerWithRedaction(cfg.MaxEvents, discardWriter{}, cfg.RedactMetadataKeys), nil
	}

	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		if cfg.Sink.Endpoint == "" {
			return nil, fmt.Errorf("audit http sink requires an endpoint")
		}
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		sink, err := NewFileSink(cfg.Sink.FilePath)
		if err != nil {
			return nil, err
		}
		writer = sink
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	event.Metadata = l.redactMetadata(event.Metadata)

	err := l.writer.WriteEvent(event)

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	var clone map[string]interface{}
	for _, key := range l.redactKeys {
		if _, ok := metadata[key]; !ok {
			continue
		}
		if clone == nil {
			clone = make(map[string]interface{}, len(metadata))
			for k, v := range metadata {
				clone[k] = v
			}
		}
		clone[key] = "[REDACTED]"
	}
	if clone == nil {
		return metadata
	}
	return clone
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (l *auditLogger) LogKeyIssuance(ref content.Ref, variant content.Variant, count int, err error, duration time.Duration) {
	_ = l.Log(&AuditEvent{
		EventType:   EventTypeKeyIssuance,
		ContentKind: string(ref.Kind),
		ContentID:   ref.ID,
		Variant:     string(variant),
		Count:       count,
		Success:     err == nil,
		Error:       errString(err),
		Duration:    duration,
	})
}

func (l *auditLogger) LogKeyDelivery(keyID, userID, requestID, envelope string, err error) {
	_ = l.Log(&AuditEvent{
		EventType: EventTypeKeyDelivery,
		KeyID:     keyID,
		UserID:    userID,
		RequestID: requestID,
		Success:   err == nil,
		Error:     errString(err),
		Metadata:  map[string]interface{}{"envelope": envelope},
	})
}

func (l *auditLogger) LogAccessDecision(ref content.Ref, variant content.Variant, userID, requestID, state string, allowed bool, err error) {
	_ = l.Log(&AuditEvent{
		EventType:   EventTypeAccessDecision,
		ContentKind: string(ref.Kind),
		ContentID:   ref.ID,
		Variant:     string(variant),
		UserID:      userID,
		RequestID:   requestID,
		Decision:    state,
		Success:     allowed,
		Error:       errString(err),
	})
}

func (l *auditLogger) LogPipelineRun(ref content.Ref, variant content.Variant, stage string, err error, duration time.Duration, metadata map[string]interface{}) {
	_ = l.Log(&AuditEvent{
		EventType:   EventTypePipelineRun,
		ContentKind: string(ref.Kind),
		ContentID:   ref.ID,
		Variant:     string(variant),
		Decision:    stage,
		Success:     err == nil,
		Error:       errString(err),
		Duration:    duration,
		Metadata:    metadata,
	})
}

func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// StdoutSink writes events to stdout as JSON lines.
type StdoutSink struct{}

// WriteEvent writes a single event.
func (s *StdoutSink) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

type discardWriter struct{}

func (discardWriter) WriteEvent(*AuditEvent) error { return nil }
