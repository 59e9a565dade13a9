// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("tenant role created")
//
// Request-scoped loggers pick up request, user and tenant ids from the context:
//
//	observability.FromContext(ctx).Warn("version conflict")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.DecisionsTotal.WithLabelValues("can_manage_unit", "allow").Inc()
//
// # Tracing
//
//	tp, err := observability.InitTracing(ctx, cfg, logger)
//	ctx, span := observability.Tracer().Start(ctx, "rbac.Resolve")
//	defer span.End()
package observability
