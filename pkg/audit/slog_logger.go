package audit

import (
	"context"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

// SlogLogger writes audit events as structured log lines
type SlogLogger struct {
	logger *observability.Logger
}

// NewSlogLogger creates an audit sink on top of logger
func NewSlogLogger(logger *observability.Logger) *SlogLogger {
	return &SlogLogger{logger: logger.WithField("component", "audit")}
}

func (l *SlogLogger) Log(ctx context.Context, event *AuditEvent) error {
	prepare(ctx, event)

	fields := map[string]interface{}{
		"event_type": string(event.EventType),
		"status":     string(event.Status),
		"timestamp":  event.Timestamp,
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.TenantID != "" {
		fields["tenant_id"] = event.TenantID
	}
	if event.ResourceType != "" {
		fields["resource_type"] = string(event.ResourceType)
		fields["resource_id"] = event.ResourceID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.logger.WithFields(fields)
	if event.ErrorMessage != "" {
		entry = entry.WithField("error", event.ErrorMessage)
	}

	switch event.Status {
	case EventStatusFailure, EventStatusDenied:
		entry.Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
	return nil
}

func (l *SlogLogger) Close() error {
	return nil
}
