// Package challenge issues and verifies single-use, time-boxed numeric
// codes (OTP) per session. Only a keyed hash of the code is ever stored;
// a successful verification deletes the record in the same atomic step.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finbridge/trustkit/internal"
	"github.com/finbridge/trustkit/secrets"
)

// ErrStoreUnavailable wraps Redis failures. The challenge path fails closed:
// callers must treat this as a failed verification.
var ErrStoreUnavailable = errors.New("challenge store unavailable")

const (
	verifyStatusMissing  int64 = 0
	verifyStatusMatched  int64 = 1
	verifyStatusMismatch int64 = 2
)

// Compare-and-delete: a matching hash consumes the record in the same step,
// so a correct code can never verify twice.
const verifyScript = `
local stored = redis.call("GET", KEYS[1])
if not stored then
  return 0
end
if stored == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 2
`

var verifyLua = redis.NewScript(verifyScript)

// Config holds challenge tuning parameters.
type Config struct {
	Prefix string
	Digits int
	TTL    time.Duration
}

// Service issues and verifies OTP challenges. At most one live challenge
// exists per session: issuing again overwrites the previous record.
type Service struct {
	redis  redis.UniversalClient
	crypto secrets.Provider
	config Config
	log    *zap.Logger
}

// NewService creates a challenge [Service].
func NewService(redisClient redis.UniversalClient, crypto secrets.Provider, cfg Config, log *zap.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "toc"
	}
	if cfg.Digits <= 0 {
		cfg.Digits = 6
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		redis:  redisClient,
		crypto: crypto,
		config: cfg,
		log:    log,
	}
}

func (s *Service) key(sessionID string) string {
	return s.config.Prefix + ":" + sessionID
}

// codeHash binds the code to the session so a code issued for one session
// can never verify against another.
func (s *Service) codeHash(sessionID, code string) string {
	return s.crypto.Hash(sessionID + ":" + code)
}

// Issue generates a fresh numeric code for the session and stores its hash
// with a short TTL. The plaintext code is returned exactly once, for
// out-of-band delivery; it is never persisted.
func (s *Service) Issue(ctx context.Context, subjectID, sessionID string) (string, error) {
	code, err := internal.NewNumericCode(s.config.Digits)
	if err != nil {
		return "", err
	}

	if err := s.redis.Set(ctx, s.key(sessionID), s.codeHash(sessionID, code), s.config.TTL).Err(); err != nil {
		s.log.Warn("challenge write failed",
			zap.String("subject_id", subjectID), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return code, nil
}

// Verify hashes the supplied code and compares it to the stored record.
// A match consumes the record and returns true. A mismatch leaves the
// record in place (its own TTL bounds further attempts); a missing or
// expired record verifies false.
func (s *Service) Verify(ctx context.Context, sessionID, code string) (bool, error) {
	status, err := verifyLua.Run(ctx, s.redis, []string{s.key(sessionID)}, s.codeHash(sessionID, code)).Int64()
	if err != nil {
		s.log.Warn("challenge verify failed", zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch status {
	case verifyStatusMatched:
		return true, nil
	case verifyStatusMissing, verifyStatusMismatch:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected verify status %d", ErrStoreUnavailable, status)
	}
}

// Revoke discards any live challenge for the session.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
