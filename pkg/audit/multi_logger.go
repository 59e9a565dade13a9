package audit

import (
	"context"
	"sync"
)

// MultiLogger logs to multiple audit loggers simultaneously
type MultiLogger struct {
	loggers []Logger
	async   bool // If true, log asynchronously
	wg      sync.WaitGroup
	errChan chan error
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations.
// Logging is synchronous until SetAsync(true) is called.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
		errChan: make(chan error, len(loggers)+1),
	}
}

// SetAsync sets whether logging should be asynchronous
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log logs an audit event to all configured loggers
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	if len(m.loggers) == 0 {
		return nil
	}

	prepare(ctx, event)

	if m.async {
		return m.logAsync(ctx, event)
	}

	return m.logSync(ctx, event)
}

// logSync logs synchronously to all loggers
func (m *MultiLogger) logSync(ctx context.Context, event *AuditEvent) error {
	var firstErr error

	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// logAsync logs asynchronously to all loggers. Each sink gets its own copy
// of the event so sinks that assign fields do not race.
func (m *MultiLogger) logAsync(ctx context.Context, event *AuditEvent) error {
	ctx = context.WithoutCancel(ctx)
	for _, logger := range m.loggers {
		copied := *event
		m.wg.Add(1)
		go func(l Logger, e *AuditEvent) {
			defer m.wg.Done()
			if err := l.Log(ctx, e); err != nil {
				select {
				case m.errChan <- err:
				default:
					// Channel full, drop error
				}
			}
		}(logger, &copied)
	}

	return nil
}

// Wait blocks until pending asynchronous writes finish
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors returns the channel of asynchronous write errors
func (m *MultiLogger) Errors() <-chan error {
	return m.errChan
}

// Close waits for pending writes and closes every logger
func (m *MultiLogger) Close() error {
	m.Wait()

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
