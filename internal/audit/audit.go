package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeUpload represents a segment upload.
	EventTypeUpload EventType = "upload"
	// EventTypeFetch represents a ranged segment read.
	EventTypeFetch EventType = "fetch"
	// EventTypeDelete represents a segment deletion.
	EventTypeDelete EventType = "delete"
	// EventTypeKeyWrap represents wrapping a data key into a manifest.
	EventTypeKeyWrap EventType = "key_wrap"
	// EventTypeKeyUnwrap represents unwrapping a data key from a manifest.
	EventTypeKeyUnwrap EventType = "key_unwrap"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	SegmentKey string                 `json:"segment_key,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Algorithm  string                 `json:"algorithm,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent)

	// LogSegment logs an upload, fetch or delete of a segment.
	LogSegment(ctx context.Context, eventType EventType, segmentKey string, err error, duration time.Duration, metadata map[string]interface{})

	// LogKey logs a data key wrap or unwrap.
	LogKey(ctx context.Context, eventType EventType, segmentKey, algorithm string, err error, duration time.Duration)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// RequestInfo identifies the request an event was recorded for.
type RequestInfo struct {
	RequestID string
	ClientIP  string
}

type requestInfoKey struct{}

// ContextWithRequestInfo attaches request identity to ctx.
func ContextWithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the request identity attached to ctx, or
// the zero value.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	errLog    logrus.FieldLogger
	now       func() time.Time
}

// NewLogger creates an audit logger keeping the last maxEvents events in
// memory. A nil writer discards events after buffering them.
func NewLogger(maxEvents int, writer EventWriter, errLog logrus.FieldLogger) Logger {
	if maxEvents < 1 {
		maxEvents = 1
	}
	if errLog == nil {
		errLog = logrus.StandardLogger()
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		errLog:    errLog,
		now:       time.Now,
	}
}

// Log logs an audit event. Writer failures are reported but never fail
// the audited operation.
func (l *auditLogger) Log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			l.errLog.WithError(err).WithField("event_type", event.EventType).Warn("Failed to write audit event")
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogSegment(ctx context.Context, eventType EventType, segmentKey string, err error, duration time.Duration, metadata map[string]interface{}) {
	info := RequestInfoFromContext(ctx)
	event := &AuditEvent{
		RequestID:  info.RequestID,
		ClientIP:   info.ClientIP,
		EventType:  eventType,
		SegmentKey: segmentKey,
		Success:    err == nil,
		Duration:   duration,
		Metadata:   metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogKey(ctx context.Context, eventType EventType, segmentKey, algorithm string, err error, duration time.Duration) {
	info := RequestInfoFromContext(ctx)
	event := &AuditEvent{
		RequestID:  info.RequestID,
		ClientIP:   info.ClientIP,
		EventType:  eventType,
		SegmentKey: segmentKey,
		Algorithm:  algorithm,
		Success:    err == nil,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured log entries.
type LogrusWriter struct {
	Logger logrus.FieldLogger
}

// NewLogrusWriter creates a writer logging through logger.
func NewLogrusWriter(logger logrus.FieldLogger) *LogrusWriter {
	return &LogrusWriter{Logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": string(event.EventType),
		"success":    event.Success,
		"duration":   event.Duration.Milliseconds(),
	}
	if event.SegmentKey != "" {
		fields["segment_key"] = event.SegmentKey
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ClientIP != "" {
		fields["client_ip"] = event.ClientIP
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := w.Logger.WithFields(fields).WithTime(event.Timestamp)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("audit")
		return nil
	}
	entry.Info("audit")
	return nil
}
