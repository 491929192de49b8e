package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditFactorCreated     AuditEventType = "factor_created"
	AuditFactorVerified    AuditEventType = "factor_verified"
	AuditFactorUpdated     AuditEventType = "factor_updated"
	AuditFactorDeleted     AuditEventType = "factor_deleted"
	AuditChallengeAnswered AuditEventType = "challenge_answered"
	AuditStorageCleared    AuditEventType = "storage_cleared"
	AuditStorageMoved      AuditEventType = "storage_moved"
	AuditConfigChange      AuditEventType = "config_change"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuditEvent represents a security-relevant event. Events carry sids and
// statuses only; key aliases, tokens and signatures are never recorded.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType AuditEventType    `json:"event_type"`
	Component string            `json:"component"`
	Resource  string            `json:"resource,omitempty"`
	Result    string            `json:"result"`
	Details   map[string]string `json:"details,omitempty"`
	Error     string            `json:"error,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	w         io.Writer
	closer    io.Closer
	component string
	now       func() time.Time
	mu        sync.Mutex
}

// NewAuditLogger opens a rotating audit log at path.
func NewAuditLogger(path string, cfg *Config) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	a := NewAuditWriter(file, cfg.Component)
	a.closer = file
	return a, nil
}

// NewAuditWriter returns an AuditLogger writing to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component, now: time.Now}
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	for k := range event.Details {
		if shouldRedact(k) {
			event.Details[k] = Redacted
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Record logs eventType for resource with the outcome of err.
func (a *AuditLogger) Record(ctx context.Context, eventType AuditEventType, resource string, err error, details map[string]string) error {
	event := AuditEvent{
		EventType: eventType,
		Resource:  resource,
		Result:    ResultSuccess,
		Details:   details,
	}
	if err != nil {
		event.Result = ResultFailure
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditConfigChange,
		Resource:  setting,
		Result:    ResultSuccess,
		Details: map[string]string{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// Close closes the audit log file.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
