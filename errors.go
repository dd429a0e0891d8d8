package trustkit

import "errors"

// ErrUnauthenticated is returned when no valid session exists for the
// caller. Also covers expired sessions and an unavailable session store.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrUnauthorized is returned when a valid session lacks the required
// permissions for an operation.
var ErrUnauthorized = errors.New("unauthorized")

// ErrRateLimited is returned when the caller exceeded the operation's rate
// window.
var ErrRateLimited = errors.New("rate limited")

// ErrChallengeInvalid is returned when a verification code is wrong,
// expired, or already consumed.
var ErrChallengeInvalid = errors.New("invalid or expired verification code")

// ErrSecondFactorRequired is returned when an operation needs a fresh
// second-factor verification.
var ErrSecondFactorRequired = errors.New("second factor verification required")

// ErrAccountNotFound is returned when the wallet backend knows no account
// for the supplied phone number.
var ErrAccountNotFound = errors.New("account not found")

// ErrDependencyUnavailable is returned when an external dependency call was
// rejected by the circuit breaker or failed outright.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// ErrDeviceSuspicious is returned when a device fingerprint fails the
// plausibility checks and may not be trusted.
var ErrDeviceSuspicious = errors.New("device fingerprint rejected")

// ErrConfigInvalid is returned by [Config.Validate] and [Builder.Build] for
// an unusable configuration.
var ErrConfigInvalid = errors.New("invalid configuration")

// ErrNotLinked is returned when an operation requires a linked account and
// the session has none.
var ErrNotLinked = errors.New("no account linked")
