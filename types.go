package trustkit

import (
	"context"

	"github.com/finbridge/trustkit/session"
)

// Messenger delivers out-of-band messages (verification codes, security
// notices) to an external identity on the chat platform.
type Messenger interface {
	SendMessage(ctx context.Context, externalIdentity, text string) error
	Ready(ctx context.Context) bool
}

// WalletClient is the account backend consulted during linking. Calls to it
// are wrapped by the Engine's circuit breaker.
type WalletClient interface {
	// VerifyAccountExists reports whether an account is registered for the
	// phone number.
	VerifyAccountExists(ctx context.Context, phoneNumber string) (bool, error)
	// AccountID returns the account identifier for the phone number.
	AccountID(ctx context.Context, phoneNumber string) (string, error)
}

// AccessRequest describes one guarded operation attempt.
type AccessRequest struct {
	SessionID string
	// AuthToken is a signed session token from a completed link. When set
	// it is verified and must agree with SessionID; when SessionID is empty
	// the session is resolved from the token.
	AuthToken string
	// Identity rate-limits and audits the caller; defaults to SessionID.
	Identity  string
	Operation string
	// Permissions required for the operation. Empty means any valid session
	// passes.
	Permissions []string
	// RequireAll demands every permission instead of any one of them.
	RequireAll bool
	// RequireSecondFactor demands a live second-factor window on the
	// session.
	RequireSecondFactor bool
}

// Decision is the outcome of [Engine.Authorize].
type Decision struct {
	Allowed bool
	Session *session.Session
	// Reason is a generic caller-safe denial message. It never reveals
	// whether the session, the permission, or the store was the problem
	// beyond what the caller already knows.
	Reason string
	// RetryAfter is set on rate-limited denials.
	RetryAfter int64
}
