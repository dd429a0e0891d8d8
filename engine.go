// Package trustkit is a trust and session engine for messaging-bot
// backends. It owns session lifecycle, account linking with one-time codes,
// a TOTP second factor, role-based access checks, rate limiting, dependency
// circuit breaking, and a tamper-evident security audit log, all backed by
// Redis.
package trustkit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finbridge/trustkit/audit"
	"github.com/finbridge/trustkit/challenge"
	"github.com/finbridge/trustkit/fingerprint"
	"github.com/finbridge/trustkit/internal/breaker"
	"github.com/finbridge/trustkit/internal/rate"
	"github.com/finbridge/trustkit/mfa"
	"github.com/finbridge/trustkit/rbac"
	"github.com/finbridge/trustkit/secrets"
	"github.com/finbridge/trustkit/session"
	"github.com/finbridge/trustkit/token"
)

// Caller-safe denial messages. Deliberately generic: they never reveal
// whether the session, the permission, or the backing store was at fault.
const (
	reasonRateLimited  = "too many requests, slow down"
	reasonUnauthed     = "authentication required"
	reasonForbidden    = "operation not permitted"
	reasonSecondFactor = "additional verification required"
)

// Engine is the facade over every trust component. Build one with
// [Builder]; it is safe for concurrent use.
type Engine struct {
	config Config
	log    *zap.Logger
	redis  redis.UniversalClient
	crypto secrets.Provider

	sessions     *session.Store
	challenges   *challenge.Service
	secondFactor *mfa.Service
	authority    *rbac.Authority
	auditLog     *audit.Log
	auditFanout  *audit.Dispatcher
	limiter      *rate.Limiter
	breakers     *breaker.Registry
	tokens       *token.Manager
	devices      *fingerprint.Analyzer
	notices      *notifier

	wallet    WalletClient
	messenger Messenger
	metrics   *Metrics
}

// Sessions exposes the session store for callers that manage sessions
// directly.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// SecondFactor exposes the second-factor service.
func (e *Engine) SecondFactor() *mfa.Service { return e.secondFactor }

// Authority exposes the role authority.
func (e *Engine) Authority() *rbac.Authority { return e.authority }

// Metrics exposes the in-process counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Tokens exposes the session token manager. Nil when no token key is
// configured.
func (e *Engine) Tokens() *token.Manager { return e.tokens }

// BreakerState reports the circuit state for a protected dependency
// operation.
func (e *Engine) BreakerState(operation string) breaker.State {
	return e.breakers.State(operation)
}

// Close flushes the audit fan-out and the notifier. The engine must not be
// used after Close.
func (e *Engine) Close() {
	if e.notices != nil {
		e.notices.Close()
	}
	e.auditFanout.Close()
}

// Authorize is the single guard in front of every protected operation. It
// checks, in order: the presented token when one is supplied, the caller's
// rate budget, session validity, the second-factor window when demanded,
// and role permissions. Exactly one audit event is recorded per decision.
// The returned error is the matching sentinel on denial and nil on success;
// the Decision carries the caller-safe reason.
func (e *Engine) Authorize(ctx context.Context, req AccessRequest) (Decision, error) {
	sessionID := req.SessionID
	var claims *token.Claims
	if req.AuthToken != "" {
		var err error
		claims, err = e.checkToken(req.AuthToken, sessionID)
		if err != nil {
			e.metrics.Inc(MetricAccessDenied)
			e.record(ctx, audit.Event{
				Type:      audit.EventAccessDenied,
				SessionID: sessionID,
				Details:   map[string]string{"operation": req.Operation, "cause": "token"},
			})
			return Decision{Reason: reasonUnauthed}, ErrUnauthenticated
		}
		if sessionID == "" {
			sessionID = claims.SessionID
		}
	}

	identity := req.Identity
	if identity == "" {
		identity = sessionID
	}

	if res := e.limiter.Allow(ctx, identity, req.Operation); !res.Allowed {
		e.metrics.Inc(MetricRateLimitHit)
		e.record(ctx, audit.Event{
			Type:      audit.EventRateLimited,
			SessionID: sessionID,
			Details:   map[string]string{"operation": req.Operation},
		})
		return Decision{
			Reason:     reasonRateLimited,
			RetryAfter: int64(res.RetryAfter / time.Second),
		}, ErrRateLimited
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		e.metrics.Inc(MetricAccessDenied)
		e.record(ctx, audit.Event{
			Type:      audit.EventAccessDenied,
			SessionID: sessionID,
			Details:   map[string]string{"operation": req.Operation},
		})
		return Decision{Reason: reasonUnauthed}, ErrUnauthenticated
	}

	// A token issued for one account never authorizes a session that has
	// since been re-linked to another.
	if claims != nil && claims.Subject != "" && claims.Subject != sess.AccountID {
		e.metrics.Inc(MetricAccessDenied)
		e.record(ctx, audit.Event{
			Type:      audit.EventAccessDenied,
			UserID:    sess.AccountID,
			SessionID: sessionID,
			Details:   map[string]string{"operation": req.Operation, "cause": "token_subject"},
		})
		return Decision{Reason: reasonUnauthed}, ErrUnauthenticated
	}

	if req.RequireSecondFactor && !sess.MFAValid(time.Now()) {
		e.metrics.Inc(MetricAccessDenied)
		e.record(ctx, audit.Event{
			Type:      audit.EventAccessDenied,
			UserID:    sess.AccountID,
			SessionID: sessionID,
			Details:   map[string]string{"operation": req.Operation, "cause": "second_factor"},
		})
		return Decision{Reason: reasonSecondFactor}, ErrSecondFactorRequired
	}

	if len(req.Permissions) > 0 {
		allowed := e.authority.CheckAny(sess.Role, req.Permissions)
		if req.RequireAll {
			allowed = e.authority.CheckAll(sess.Role, req.Permissions)
		}
		if !allowed {
			e.metrics.Inc(MetricAccessDenied)
			e.record(ctx, audit.Event{
				Type:      audit.EventPermissionDenied,
				UserID:    sess.AccountID,
				SessionID: sessionID,
				Details:   map[string]string{"operation": req.Operation, "role": sess.Role},
			})
			return Decision{Reason: reasonForbidden}, ErrUnauthorized
		}
	}

	e.metrics.Inc(MetricAccessGranted)
	e.record(ctx, audit.Event{
		Type:      audit.EventAccessGranted,
		UserID:    sess.AccountID,
		SessionID: sessionID,
		Details:   map[string]string{"operation": req.Operation},
	})
	return Decision{Allowed: true, Session: sess}, nil
}

// checkToken verifies a presented session token and its binding to the
// request's session.
func (e *Engine) checkToken(signed, sessionID string) (*token.Claims, error) {
	if e.tokens == nil {
		return nil, fmt.Errorf("token verification not configured")
	}
	claims, err := e.tokens.Parse(signed)
	if err != nil {
		return nil, err
	}
	if sessionID != "" && claims.SessionID != sessionID {
		return nil, fmt.Errorf("token not bound to session")
	}
	return claims, nil
}

// record writes an audit event, filling caller attribution from ctx. Audit
// write failures never fail the guarded operation; they are logged.
func (e *Engine) record(ctx context.Context, ev audit.Event) {
	ev.IPAddress = clientIPFromContext(ctx)
	ev.UserAgent = userAgentFromContext(ctx)
	if _, err := e.auditLog.Record(ctx, ev); err != nil {
		e.log.Warn("audit record failed", zap.String("type", ev.Type), zap.Error(err))
	}
}
