// Package audit provides a tamper-evident security event log backed by
// Redis. Events are append-only: each record carries a keyed integrity hash
// over its immutable fields, computed at write time and verifiable later.
// A sorted-set timeline orders events by timestamp and bounds retention.
package audit

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finbridge/trustkit/secrets"
)

// ErrIntegrityViolation is returned when a stored event's integrity hash no
// longer matches its content.
var ErrIntegrityViolation = errors.New("audit event integrity violation")

// ErrStoreUnavailable wraps Redis failures on the audit paths.
var ErrStoreUnavailable = errors.New("audit store unavailable")

// ErrEventNotFound is returned when the requested event does not exist.
var ErrEventNotFound = errors.New("audit event not found")

const (
	defaultMaxEvents  = 10000
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Config holds audit log tuning parameters.
type Config struct {
	Prefix    string
	MaxEvents int64

	// Anomaly heuristics over AnomalyWindow of recent events.
	AnomalyWindow       time.Duration
	BruteForceThreshold int
	FloodThreshold      int
	EscalationThreshold int
}

// Log records and queries audit events. Record is safe for concurrent use;
// retention eviction and anomaly checks run inline on the recording path.
type Log struct {
	redis   redis.UniversalClient
	crypto  secrets.Provider
	config  Config
	fanout  *Dispatcher
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewLog creates an audit [Log]. fanout may be nil when no sinks are
// attached.
func NewLog(redisClient redis.UniversalClient, crypto secrets.Provider, cfg Config, fanout *Dispatcher, log *zap.Logger) *Log {
	if cfg.Prefix == "" {
		cfg.Prefix = "tse"
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = 10 * time.Minute
	}
	if cfg.BruteForceThreshold <= 0 {
		cfg.BruteForceThreshold = 5
	}
	if cfg.FloodThreshold <= 0 {
		cfg.FloodThreshold = 10
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{
		redis:   redisClient,
		crypto:  crypto,
		config:  cfg,
		fanout:  fanout,
		log:     log,
		nowFunc: time.Now,
	}
}

func (l *Log) eventKey(id string) string {
	return l.config.Prefix + ":" + id
}

func (l *Log) timelineKey() string {
	return l.config.Prefix + "tl"
}

// Record appends an event. The caller fills Type and the subject fields;
// ID, Severity, Timestamp and IntegrityHash are derived here and must not be
// set. Recording a login failure or session creation also runs the inline
// anomaly check for its subject.
func (l *Log) Record(ctx context.Context, e Event) (*Event, error) {
	e.ID = uuid.NewString()
	e.Timestamp = l.nowFunc().Unix()
	if sev, ok := severityFor[e.Type]; ok {
		e.Severity = sev
	} else {
		e.Severity = SeverityInfo
	}
	e.IntegrityHash = l.crypto.Hash(e.canonical())

	data, err := json.Marshal(&e)
	if err != nil {
		return nil, err
	}

	_, err = l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.eventKey(e.ID), data, 0)
		pipe.ZAdd(ctx, l.timelineKey(), redis.Z{
			Score:  float64(e.Timestamp),
			Member: e.ID,
		})
		return nil
	})
	if err != nil {
		l.log.Warn("audit write failed", zap.String("type", e.Type), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := l.evict(ctx); err != nil {
		l.log.Warn("audit eviction failed", zap.Error(err))
	}

	if l.fanout != nil {
		l.fanout.Dispatch(e)
	}

	switch e.Type {
	case EventLoginFailure, EventSessionCreated:
		l.inlineCheck(ctx, &e)
	}

	return &e, nil
}

// evict trims the timeline to MaxEvents, deleting the oldest event records
// first.
func (l *Log) evict(ctx context.Context) error {
	total, err := l.redis.ZCard(ctx, l.timelineKey()).Result()
	if err != nil {
		return err
	}
	excess := total - l.config.MaxEvents
	if excess <= 0 {
		return nil
	}

	oldest, err := l.redis.ZRange(ctx, l.timelineKey(), 0, excess-1).Result()
	if err != nil {
		return err
	}
	if len(oldest) == 0 {
		return nil
	}

	keys := make([]string, len(oldest))
	for i, id := range oldest {
		keys[i] = l.eventKey(id)
	}

	_, err = l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByRank(ctx, l.timelineKey(), 0, excess-1)
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// Query returns events newest-first. An unset Limit defaults to 100 and is
// capped at 1000. Events whose record was evicted but whose timeline entry
// survives are skipped.
func (l *Log) Query(ctx context.Context, f Filter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	min, max := "-inf", "+inf"
	if f.Since > 0 {
		min = fmt.Sprintf("%d", f.Since)
	}
	if f.Until > 0 {
		max = fmt.Sprintf("%d", f.Until)
	}

	ids, err := l.redis.ZRevRangeByScore(ctx, l.timelineKey(), &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	events := make([]*Event, 0, limit)
	for _, id := range ids {
		if len(events) >= limit {
			break
		}
		e, err := l.fetch(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return nil, err
		}
		if f.matches(e) {
			events = append(events, e)
		}
	}

	return events, nil
}

func (l *Log) fetch(ctx context.Context, id string) (*Event, error) {
	data, err := l.redis.Get(ctx, l.eventKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("audit event %s corrupt: %w", id, err)
	}
	return &e, nil
}

// window returns every retained event at or after since, newest-first.
// Unlike Query it applies no result cap; aggregation over a busy window must
// not undercount. Evicted records whose timeline entry survives are skipped.
func (l *Log) window(ctx context.Context, since int64) ([]*Event, error) {
	ids, err := l.redis.ZRevRangeByScore(ctx, l.timelineKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		e, err := l.fetch(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Metrics aggregates every retained event in the trailing window.
func (l *Log) Metrics(ctx context.Context, window time.Duration) (*Summary, error) {
	events, err := l.window(ctx, l.nowFunc().Add(-window).Unix())
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Total:      len(events),
		ByType:     make(map[string]int),
		BySeverity: make(map[Severity]int),
	}
	sources := make(map[string]int)
	for _, e := range events {
		sum.ByType[e.Type]++
		sum.BySeverity[e.Severity]++
		if e.IPAddress != "" {
			sources[e.IPAddress]++
		}
		switch e.Type {
		case EventLoginFailure:
			sum.FailedLogins++
		case EventLoginSuccess:
			sum.SuccessfulLogins++
		case EventSuspiciousActivity, EventDeviceSuspicious:
			sum.SuspiciousCount++
		}
	}

	for ip, n := range sources {
		sum.TopSources = append(sum.TopSources, SourceCount{IPAddress: ip, Count: n})
	}
	sort.Slice(sum.TopSources, func(i, j int) bool {
		if sum.TopSources[i].Count != sum.TopSources[j].Count {
			return sum.TopSources[i].Count > sum.TopSources[j].Count
		}
		return sum.TopSources[i].IPAddress < sum.TopSources[j].IPAddress
	})
	if len(sum.TopSources) > 10 {
		sum.TopSources = sum.TopSources[:10]
	}

	return sum, nil
}

// DetectAnomalies scans the recent event window for known abuse shapes:
// repeated login failures from one address, a burst of sessions for one
// user, and repeated permission denials for one user. Each finding is
// recorded as a suspicious-activity event.
func (l *Log) DetectAnomalies(ctx context.Context) ([]Anomaly, error) {
	events, err := l.window(ctx, l.nowFunc().Add(-l.config.AnomalyWindow).Unix())
	if err != nil {
		return nil, err
	}

	failuresByIP := make(map[string]int)
	sessionsByUser := make(map[string]int)
	denialsByUser := make(map[string]int)
	for _, e := range events {
		switch e.Type {
		case EventLoginFailure:
			if e.IPAddress != "" {
				failuresByIP[e.IPAddress]++
			}
		case EventSessionCreated:
			if e.UserID != "" {
				sessionsByUser[e.UserID]++
			}
		case EventPermissionDenied:
			if e.UserID != "" {
				denialsByUser[e.UserID]++
			}
		}
	}

	var found []Anomaly
	for ip, n := range failuresByIP {
		if n >= l.config.BruteForceThreshold {
			found = append(found, Anomaly{
				Kind: AnomalyBruteForce, Severity: SeverityCritical,
				Subject: ip, Count: n,
			})
		}
	}
	for user, n := range sessionsByUser {
		if n >= l.config.FloodThreshold {
			found = append(found, Anomaly{
				Kind: AnomalySessionFlood, Severity: SeverityWarning,
				Subject: user, Count: n,
			})
		}
	}
	for user, n := range denialsByUser {
		if n >= l.config.EscalationThreshold {
			found = append(found, Anomaly{
				Kind: AnomalyPrivilegeEscalation, Severity: SeverityError,
				Subject: user, Count: n,
			})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Kind != found[j].Kind {
			return found[i].Kind < found[j].Kind
		}
		return found[i].Subject < found[j].Subject
	})

	for _, a := range found {
		l.recordAnomaly(ctx, a)
	}

	return found, nil
}

// inlineCheck runs the single-subject anomaly heuristic right after a
// triggering event is recorded, so the finding lands while the abuse is
// still in progress. The check counts events of the same type for the same
// subject; it fires exactly once, when the threshold is first crossed.
func (l *Log) inlineCheck(ctx context.Context, e *Event) {
	var (
		f         Filter
		kind      string
		severity  Severity
		subject   string
		threshold int
	)
	switch e.Type {
	case EventLoginFailure:
		if e.IPAddress == "" {
			return
		}
		f = Filter{Types: []string{EventLoginFailure}, IPAddress: e.IPAddress}
		kind, severity, subject = AnomalyBruteForce, SeverityCritical, e.IPAddress
		threshold = l.config.BruteForceThreshold
	case EventSessionCreated:
		if e.UserID == "" {
			return
		}
		f = Filter{Types: []string{EventSessionCreated}, UserID: e.UserID}
		kind, severity, subject = AnomalySessionFlood, SeverityWarning, e.UserID
		threshold = l.config.FloodThreshold
	default:
		return
	}
	f.Since = l.nowFunc().Add(-l.config.AnomalyWindow).Unix()
	f.Limit = maxQueryLimit

	events, err := l.Query(ctx, f)
	if err != nil {
		l.log.Warn("anomaly check failed", zap.Error(err))
		return
	}
	if len(events) != threshold {
		return
	}

	l.recordAnomaly(ctx, Anomaly{Kind: kind, Severity: severity, Subject: subject, Count: len(events)})
}

func (l *Log) recordAnomaly(ctx context.Context, a Anomaly) {
	_, err := l.Record(ctx, Event{
		Type: EventSuspiciousActivity,
		Details: map[string]string{
			"kind":    a.Kind,
			"subject": a.Subject,
			"count":   fmt.Sprintf("%d", a.Count),
		},
	})
	if err != nil {
		l.log.Warn("anomaly record failed", zap.String("kind", a.Kind), zap.Error(err))
		return
	}
	l.log.Warn("anomaly detected",
		zap.String("kind", a.Kind),
		zap.String("subject", a.Subject),
		zap.Int("count", a.Count))
}

// VerifyIntegrity recomputes the integrity hash of a stored event and
// compares it to the recorded one. A mismatch is itself recorded as an
// integrity-violation event and returned as [ErrIntegrityViolation].
func (l *Log) VerifyIntegrity(ctx context.Context, eventID string) error {
	e, err := l.fetch(ctx, eventID)
	if err != nil {
		return err
	}

	want := l.crypto.Hash(e.canonical())
	if subtle.ConstantTimeCompare([]byte(want), []byte(e.IntegrityHash)) == 1 {
		return nil
	}

	l.log.Error("audit event failed integrity check", zap.String("event_id", eventID))
	if _, rerr := l.Record(ctx, Event{
		Type:    EventIntegrityViolation,
		Details: map[string]string{"event_id": eventID},
	}); rerr != nil {
		l.log.Warn("integrity violation record failed", zap.Error(rerr))
	}
	return ErrIntegrityViolation
}
