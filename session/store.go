// Package session persists encrypted session records in Redis with a
// secondary index from pseudonymized external identities to session IDs.
//
// Trust decisions fail closed here: a store failure is logged and surfaced
// to callers the same way as an absent session, so an unavailable backend
// always degrades to "re-authenticate" rather than "allow".
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finbridge/trustkit/internal"
	"github.com/finbridge/trustkit/secrets"
)

// ErrNotFound is returned when a session does not exist, has expired, or the
// store is unavailable. Callers treat all three identically.
var ErrNotFound = errors.New("session not found")

// ErrStoreUnavailable wraps Redis failures on write paths where the caller
// must distinguish unavailability from absence.
var ErrStoreUnavailable = errors.New("session store unavailable")

// AliasResolver maps a privacy-preserving alias identity to its canonical
// identity. A single resolution hop only: the resolver's answer is never
// resolved again.
type AliasResolver interface {
	Resolve(ctx context.Context, alias string) (canonical string, ok bool)
}

// Config holds session store tuning parameters.
type Config struct {
	Prefix      string
	SessionTTL  time.Duration
	MFAWindow   time.Duration
	DefaultRole string

	// OnExpire is invoked once per session evicted by a lazy-expiry read.
	// Optional; used for counting.
	OnExpire func(sessionID string)
}

// Store owns session records. All mutation goes through it; reads of expired
// sessions delete them as a side effect (lazy eviction).
type Store struct {
	redis   redis.UniversalClient
	crypto  secrets.Provider
	aliases AliasResolver
	config  Config
	log     *zap.Logger
}

// NewStore creates a session [Store]. aliases may be nil when no alias
// scheme is in use.
func NewStore(
	redisClient redis.UniversalClient,
	crypto secrets.Provider,
	aliases AliasResolver,
	cfg Config,
	log *zap.Logger,
) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "ts"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MFAWindow <= 0 {
		cfg.MFAWindow = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		redis:   redisClient,
		crypto:  crypto,
		aliases: aliases,
		config:  cfg,
		log:     log,
	}
}

func (s *Store) key(sessionID string) string {
	return s.config.Prefix + ":" + sessionID
}

func (s *Store) indexKey(identity string) string {
	return s.config.Prefix + "i:" + s.crypto.Hash(identity)
}

// Create generates a new session for the external identity. The session is
// verified from birth only when an account ID is already known. The record
// is persisted encrypted, alongside its identity index entry.
func (s *Store) Create(ctx context.Context, externalIdentity, phoneNumber, accountID string) (*Session, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		SessionID:        sid.String(),
		ExternalIdentity: externalIdentity,
		PhoneNumber:      phoneNumber,
		AccountID:        accountID,
		Role:             s.config.DefaultRole,
		Verified:         accountID != "",
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(s.config.SessionTTL).Unix(),
		LastActivity:     now.Unix(),
	}

	if err := s.persist(ctx, sess, s.config.SessionTTL); err != nil {
		return nil, err
	}

	return sess, nil
}

// Get retrieves a session by ID. Expired sessions are deleted on read and
// reported as [ErrNotFound]; so are store failures, after logging.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !sess.Valid(time.Now()) {
		if err := s.Delete(ctx, sessionID); err != nil {
			s.log.Warn("expired session cleanup failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		if s.config.OnExpire != nil {
			s.config.OnExpire(sessionID)
		}
		return nil, ErrNotFound
	}

	return sess, nil
}

// GetByExternalIdentity resolves the identity index to a session. On an
// index miss the alias resolver is consulted once and the lookup retried
// with the canonical identity; there is no further fallback.
func (s *Store) GetByExternalIdentity(ctx context.Context, identity string) (*Session, error) {
	sessionID, err := s.redis.Get(ctx, s.indexKey(identity)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("identity index read failed", zap.Error(err))
			return nil, ErrNotFound
		}

		if s.aliases == nil {
			return nil, ErrNotFound
		}
		canonical, ok := s.aliases.Resolve(ctx, identity)
		if !ok {
			return nil, ErrNotFound
		}

		sessionID, err = s.redis.Get(ctx, s.indexKey(canonical)).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				s.log.Warn("identity index read failed", zap.Error(err))
			}
			return nil, ErrNotFound
		}
	}

	return s.Get(ctx, sessionID)
}

// Update merges a partial update into the session and re-persists it with
// the TTL that remains on its absolute expiry. LastActivity is always
// refreshed.
func (s *Store) Update(ctx context.Context, sessionID string, patch Patch) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	patch.apply(sess, now)

	if err := s.persist(ctx, sess, time.Unix(sess.ExpiresAt, 0).Sub(now)); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetSecondFactorVerified records the outcome of a second-factor
// verification. A successful verification opens a bounded validity window.
func (s *Store) SetSecondFactorVerified(ctx context.Context, sessionID string, verified bool) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess.MFAVerified = verified
	if verified {
		sess.MFAExpiresAt = now.Add(s.config.MFAWindow).Unix()
	} else {
		sess.MFAExpiresAt = 0
	}
	sess.LastActivity = now.Unix()

	if err := s.persist(ctx, sess, time.Unix(sess.ExpiresAt, 0).Sub(now)); err != nil {
		return nil, err
	}
	return sess, nil
}

// IsValid reports whether the session exists and has not expired. Expired
// sessions are evicted as a side effect.
func (s *Store) IsValid(ctx context.Context, sessionID string) bool {
	_, err := s.Get(ctx, sessionID)
	return err == nil
}

// Delete removes the session and its identity index entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID))
		pipe.Del(ctx, s.indexKey(sess.ExternalIdentity))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		s.log.Warn("session read failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, ErrNotFound
	}

	plaintext, err := s.crypto.Decrypt(data)
	if err != nil {
		s.log.Error("session payload failed authentication",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, ErrNotFound
	}

	var sess Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		s.log.Error("session payload corrupt", zap.String("session_id", sessionID))
		return nil, ErrNotFound
	}
	sess.SessionID = sessionID

	return &sess, nil
}

func (s *Store) persist(ctx context.Context, sess *Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}

	plaintext, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	sealed, err := s.crypto.Encrypt(plaintext)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), sealed, ttl)
		pipe.Set(ctx, s.indexKey(sess.ExternalIdentity), sess.SessionID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
