package trustkit

import (
	"context"
	"errors"
	"time"

	"github.com/finbridge/trustkit/audit"
)

// QueryAuditEvents returns audit events newest-first, narrowed by the
// filter.
func (e *Engine) QueryAuditEvents(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	return e.auditLog.Query(ctx, f)
}

// AuditMetrics aggregates audit events over the trailing window.
func (e *Engine) AuditMetrics(ctx context.Context, window time.Duration) (*audit.Summary, error) {
	return e.auditLog.Metrics(ctx, window)
}

// DetectAnomalies runs the anomaly heuristics over the recent event window.
func (e *Engine) DetectAnomalies(ctx context.Context) ([]audit.Anomaly, error) {
	found, err := e.auditLog.DetectAnomalies(ctx)
	if err != nil {
		return nil, err
	}
	for range found {
		e.metrics.Inc(MetricAnomalyDetected)
	}
	return found, nil
}

// VerifyAuditEvent recomputes the integrity hash of a stored event.
func (e *Engine) VerifyAuditEvent(ctx context.Context, eventID string) error {
	err := e.auditLog.VerifyIntegrity(ctx, eventID)
	if errors.Is(err, audit.ErrIntegrityViolation) {
		e.metrics.Inc(MetricIntegrityFailure)
	}
	return err
}
