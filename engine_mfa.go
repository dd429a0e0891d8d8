package trustkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/finbridge/trustkit/audit"
	"github.com/finbridge/trustkit/fingerprint"
	"github.com/finbridge/trustkit/mfa"
	"github.com/finbridge/trustkit/session"
)

// sessionForAccount loads the session and requires a linked account.
func (e *Engine) sessionForAccount(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if sess.AccountID == "" {
		return nil, ErrNotLinked
	}
	return sess, nil
}

// SetupSecondFactor provisions a fresh TOTP secret and backup codes for the
// session's account. The enrollment stays disabled until
// [Engine.EnableSecondFactor] confirms the authenticator works.
func (e *Engine) SetupSecondFactor(ctx context.Context, sessionID string) (*mfa.Enrollment, error) {
	sess, err := e.sessionForAccount(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	enrollment, err := e.secondFactor.Setup(ctx, sess.AccountID, sess.ExternalIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return enrollment, nil
}

// VerifySecondFactor checks a TOTP or backup code and, on success, opens
// the session's second-factor window.
func (e *Engine) VerifySecondFactor(ctx context.Context, sessionID, code string) (*session.Session, error) {
	sess, err := e.sessionForAccount(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if res := e.limiter.Allow(ctx, sess.AccountID, "verify_second_factor"); !res.Allowed {
		e.metrics.Inc(MetricRateLimitHit)
		e.record(ctx, audit.Event{
			Type:      audit.EventRateLimited,
			UserID:    sess.AccountID,
			SessionID: sessionID,
			Details:   map[string]string{"operation": "verify_second_factor"},
		})
		return nil, ErrRateLimited
	}

	before, _ := e.secondFactor.RemainingBackupCodes(ctx, sess.AccountID)

	ok, err := e.secondFactor.Verify(ctx, sess.AccountID, code)
	if err != nil && !isVerificationErr(err) {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	if !ok {
		e.metrics.Inc(MetricSecondFactorFailure)
		e.record(ctx, audit.Event{
			Type:      audit.EventMFAFailure,
			UserID:    sess.AccountID,
			SessionID: sessionID,
		})
		return nil, ErrChallengeInvalid
	}

	e.metrics.Inc(MetricSecondFactorSuccess)
	details := map[string]string{"method": "totp"}
	if after, err := e.secondFactor.RemainingBackupCodes(ctx, sess.AccountID); err == nil && after < before {
		e.metrics.Inc(MetricBackupCodeUsed)
		details["method"] = "backup_code"
		details["remaining_backup_codes"] = fmt.Sprintf("%d", after)
	}
	e.record(ctx, audit.Event{
		Type:      audit.EventLoginSuccess,
		UserID:    sess.AccountID,
		SessionID: sessionID,
		Details:   details,
	})

	sess, err = e.sessions.SetSecondFactorVerified(ctx, sessionID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return sess, nil
}

// EnableSecondFactor activates a provisioned enrollment once the user
// proves they can produce a valid code.
func (e *Engine) EnableSecondFactor(ctx context.Context, sessionID, code string) error {
	sess, err := e.sessionForAccount(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := e.secondFactor.Enable(ctx, sess.AccountID, code); err != nil {
		if isVerificationErr(err) {
			e.metrics.Inc(MetricSecondFactorFailure)
			e.record(ctx, audit.Event{
				Type:      audit.EventMFAFailure,
				UserID:    sess.AccountID,
				SessionID: sessionID,
			})
			return ErrChallengeInvalid
		}
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	e.record(ctx, audit.Event{
		Type:      audit.EventMFAEnabled,
		UserID:    sess.AccountID,
		SessionID: sessionID,
	})
	e.notify(sess.ExternalIdentity, "Two-factor authentication is now enabled.")
	return nil
}

// DisableSecondFactor deactivates the second factor after verifying a code,
// revoking every trusted device with it.
func (e *Engine) DisableSecondFactor(ctx context.Context, sessionID, code string) error {
	sess, err := e.sessionForAccount(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := e.secondFactor.Disable(ctx, sess.AccountID, code); err != nil {
		if isVerificationErr(err) {
			e.metrics.Inc(MetricSecondFactorFailure)
			e.record(ctx, audit.Event{
				Type:      audit.EventMFAFailure,
				UserID:    sess.AccountID,
				SessionID: sessionID,
			})
			return ErrChallengeInvalid
		}
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	if _, err := e.sessions.SetSecondFactorVerified(ctx, sessionID, false); err != nil {
		e.log.Warn("second-factor window reset failed")
	}

	e.record(ctx, audit.Event{
		Type:      audit.EventMFADisabled,
		UserID:    sess.AccountID,
		SessionID: sessionID,
	})
	e.notify(sess.ExternalIdentity, "Two-factor authentication has been disabled.")
	return nil
}

func isVerificationErr(err error) bool {
	return errors.Is(err, mfa.ErrVerificationFailed) || errors.Is(err, mfa.ErrNotEnrolled)
}

// TrustDevice analyzes the device fingerprint and, when it passes the
// plausibility checks, registers the derived device ID as trusted for the
// session's account. Requires a live second-factor window.
func (e *Engine) TrustDevice(ctx context.Context, sessionID string, fp fingerprint.Fingerprint, name string) (string, error) {
	decision, err := e.Authorize(ctx, AccessRequest{
		SessionID:           sessionID,
		Operation:           "trust_device",
		RequireSecondFactor: true,
	})
	if err != nil {
		return "", err
	}
	sess := decision.Session
	if sess.AccountID == "" {
		return "", ErrNotLinked
	}

	if suspicious, reasons := e.devices.IsSuspicious(fp); suspicious {
		e.metrics.Inc(MetricDeviceSuspicious)
		e.record(ctx, audit.Event{
			Type:      audit.EventDeviceSuspicious,
			UserID:    sess.AccountID,
			SessionID: sessionID,
			Details:   map[string]string{"reasons": strings.Join(reasons, "; ")},
		})
		return "", ErrDeviceSuspicious
	}

	deviceID := e.devices.DeriveID(fp)
	if err := e.secondFactor.RegisterTrustedDevice(ctx, sess.AccountID, deviceID, name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	e.metrics.Inc(MetricDeviceTrusted)
	e.record(ctx, audit.Event{
		Type:      audit.EventDeviceTrusted,
		UserID:    sess.AccountID,
		SessionID: sessionID,
		Details:   map[string]string{"device_name": name},
	})
	return deviceID, nil
}

// IsTrustedDevice reports whether the device is currently trusted for the
// session's account. An empty deviceID falls back to the one attached to
// ctx.
func (e *Engine) IsTrustedDevice(ctx context.Context, sessionID, deviceID string) (bool, error) {
	sess, err := e.sessionForAccount(ctx, sessionID)
	if err != nil {
		return false, err
	}

	if deviceID == "" {
		deviceID = deviceIDFromContext(ctx)
	}
	if deviceID == "" {
		return false, nil
	}

	trusted, err := e.secondFactor.IsDeviceTrusted(ctx, sess.AccountID, deviceID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return trusted, nil
}
