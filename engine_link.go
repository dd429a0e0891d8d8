package trustkit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/finbridge/trustkit/audit"
	"github.com/finbridge/trustkit/internal/breaker"
	"github.com/finbridge/trustkit/session"
)

// Breaker operation keys for the wallet backend.
const (
	walletOpVerify  = "wallet.verify"
	walletOpAccount = "wallet.account"
)

// LinkStart is the outcome of [Engine.LinkPhone].
type LinkStart struct {
	Session *session.Session
	// Code is the plaintext verification code. Set only when no messenger
	// delivered it; this is the single copy that will ever exist.
	Code string
	// Delivered reports whether the code went out via the messenger.
	Delivered bool
}

// LinkPhone starts linking an external identity to the account registered
// for the phone number. It verifies the account exists, opens a session,
// and issues a one-time code for out-of-band confirmation.
func (e *Engine) LinkPhone(ctx context.Context, externalIdentity, phoneNumber string) (*LinkStart, error) {
	if res := e.limiter.Allow(ctx, externalIdentity, "link_phone"); !res.Allowed {
		e.metrics.Inc(MetricRateLimitHit)
		e.record(ctx, audit.Event{
			Type:    audit.EventRateLimited,
			Details: map[string]string{"operation": "link_phone"},
		})
		return nil, ErrRateLimited
	}

	if e.wallet == nil {
		return nil, fmt.Errorf("%w: no wallet backend configured", ErrDependencyUnavailable)
	}

	var exists bool
	err := e.callWallet(ctx, walletOpVerify, func(ctx context.Context) error {
		var err error
		exists, err = e.wallet.VerifyAccountExists(ctx, phoneNumber)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		e.record(ctx, audit.Event{
			Type:    audit.EventLoginFailure,
			Details: map[string]string{"operation": "link_phone", "cause": "unknown_account"},
		})
		return nil, ErrAccountNotFound
	}

	sess, err := e.sessions.Create(ctx, externalIdentity, phoneNumber, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	e.metrics.Inc(MetricSessionCreated)
	e.record(ctx, audit.Event{
		Type:      audit.EventSessionCreated,
		SessionID: sess.SessionID,
	})

	code, err := e.challenges.Issue(ctx, externalIdentity, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	e.metrics.Inc(MetricChallengeIssued)
	e.record(ctx, audit.Event{
		Type:      audit.EventChallengeIssued,
		SessionID: sess.SessionID,
	})

	start := &LinkStart{Session: sess}
	if e.messenger != nil && e.messenger.Ready(ctx) {
		if err := e.messenger.SendMessage(ctx, externalIdentity, "Your verification code: "+code); err != nil {
			// Delivery failure is not fatal; the caller gets the code back
			// and can retry delivery itself.
			e.log.Warn("verification code delivery failed", zap.Error(err))
			start.Code = code
		} else {
			start.Delivered = true
		}
	} else {
		start.Code = code
	}

	return start, nil
}

// ConfirmLink completes linking: the code is verified and consumed, the
// account ID is fetched from the wallet backend, and the session becomes
// verified. When token issuance is configured the signed session token is
// returned.
func (e *Engine) ConfirmLink(ctx context.Context, sessionID, code string) (*session.Session, string, error) {
	if res := e.limiter.Allow(ctx, sessionID, "confirm_link"); !res.Allowed {
		e.metrics.Inc(MetricRateLimitHit)
		e.record(ctx, audit.Event{
			Type:      audit.EventRateLimited,
			SessionID: sessionID,
			Details:   map[string]string{"operation": "confirm_link"},
		})
		return nil, "", ErrRateLimited
	}

	ok, err := e.challenges.Verify(ctx, sessionID, code)
	if err != nil {
		e.record(ctx, audit.Event{
			Type:      audit.EventChallengeFailed,
			SessionID: sessionID,
			Details:   map[string]string{"cause": "store_unavailable"},
		})
		return nil, "", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if !ok {
		e.metrics.Inc(MetricChallengeFailed)
		e.record(ctx, audit.Event{
			Type:      audit.EventChallengeFailed,
			SessionID: sessionID,
		})
		e.record(ctx, audit.Event{
			Type:      audit.EventLoginFailure,
			SessionID: sessionID,
			Details:   map[string]string{"operation": "confirm_link"},
		})
		return nil, "", ErrChallengeInvalid
	}
	e.metrics.Inc(MetricChallengeVerified)

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, "", ErrUnauthenticated
	}

	var accountID string
	err = e.callWallet(ctx, walletOpAccount, func(ctx context.Context) error {
		var err error
		accountID, err = e.wallet.AccountID(ctx, sess.PhoneNumber)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	verified := true
	patch := session.Patch{AccountID: &accountID, Verified: &verified}

	var signed string
	if e.tokens != nil {
		signed, err = e.tokens.Issue(sessionID, accountID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
		}
		e.metrics.Inc(MetricTokenIssued)
		patch.AuthToken = &signed
	}

	sess, err = e.sessions.Update(ctx, sessionID, patch)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	e.record(ctx, audit.Event{
		Type:      audit.EventLoginSuccess,
		UserID:    accountID,
		SessionID: sessionID,
	})
	e.notify(sess.ExternalIdentity, "Your account is now linked.")

	return sess, signed, nil
}

// Unlink tears the session down and revokes any live challenge.
func (e *Engine) Unlink(ctx context.Context, sessionID string) error {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return ErrUnauthenticated
	}

	if err := e.challenges.Revoke(ctx, sessionID); err != nil {
		e.log.Warn("challenge revoke failed", zap.Error(err))
	}
	if err := e.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	e.metrics.Inc(MetricSessionDeleted)
	e.record(ctx, audit.Event{
		Type:      audit.EventSessionDeleted,
		UserID:    sess.AccountID,
		SessionID: sessionID,
	})
	e.notify(sess.ExternalIdentity, "Your account has been unlinked.")

	return nil
}

// callWallet runs a wallet call under the circuit breaker and maps breaker
// rejections to [ErrDependencyUnavailable].
func (e *Engine) callWallet(ctx context.Context, operation string, fn func(context.Context) error) error {
	before := e.breakers.State(operation)
	err := e.breakers.Do(ctx, operation, fn)
	if before != breaker.StateOpen && e.breakers.State(operation) == breaker.StateOpen {
		e.metrics.Inc(MetricBreakerOpened)
	}
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			e.metrics.Inc(MetricBreakerRejected)
		}
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return nil
}

func (e *Engine) notify(externalIdentity, text string) {
	if e.notices == nil {
		return
	}
	e.notices.Send(externalIdentity, text)
}
