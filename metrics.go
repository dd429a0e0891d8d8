package trustkit

import "sync/atomic"

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	MetricSessionCreated MetricID = iota
	MetricSessionExpired
	MetricSessionDeleted
	MetricChallengeIssued
	MetricChallengeVerified
	MetricChallengeFailed
	MetricSecondFactorSuccess
	MetricSecondFactorFailure
	MetricBackupCodeUsed
	MetricDeviceTrusted
	MetricDeviceSuspicious
	MetricAccessGranted
	MetricAccessDenied
	MetricRateLimitHit
	MetricBreakerOpened
	MetricBreakerRejected
	MetricAnomalyDetected
	MetricIntegrityFailure
	MetricNotifyDropped
	MetricTokenIssued

	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricSessionCreated:      "session_created",
	MetricSessionExpired:      "session_expired",
	MetricSessionDeleted:      "session_deleted",
	MetricChallengeIssued:     "challenge_issued",
	MetricChallengeVerified:   "challenge_verified",
	MetricChallengeFailed:     "challenge_failed",
	MetricSecondFactorSuccess: "second_factor_success",
	MetricSecondFactorFailure: "second_factor_failure",
	MetricBackupCodeUsed:      "backup_code_used",
	MetricDeviceTrusted:       "device_trusted",
	MetricDeviceSuspicious:    "device_suspicious",
	MetricAccessGranted:       "access_granted",
	MetricAccessDenied:        "access_denied",
	MetricRateLimitHit:        "rate_limit_hit",
	MetricBreakerOpened:       "breaker_opened",
	MetricBreakerRejected:     "breaker_rejected",
	MetricAnomalyDetected:     "anomaly_detected",
	MetricIntegrityFailure:    "integrity_failure",
	MetricNotifyDropped:       "notify_dropped",
	MetricTokenIssued:         "token_issued",
}

// Name returns the stable snake_case name for the metric.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// cache-line padding keeps hot counters from false sharing
type paddedCounter struct {
	value uint64
	_     [7]uint64
}

// Metrics is a fixed set of atomic counters. A nil *Metrics is valid and
// counts nothing.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics creates a [Metrics] set.
func NewMetrics(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc bumps a counter. Disabled or nil metrics ignore the call.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricIDCount)}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return snap
}

// MetricIDs lists every defined metric in declaration order.
func MetricIDs() []MetricID {
	ids := make([]MetricID, 0, metricIDCount)
	for id := MetricID(0); id < metricIDCount; id++ {
		ids = append(ids, id)
	}
	return ids
}
