// Package mfa implements the TOTP second factor with one-time backup codes
// and a TTL-bounded trusted-device registry. Secrets are persisted encrypted;
// backup codes only as keyed hashes.
package mfa

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

var (
	// ErrNotEnrolled is returned when no second factor is configured for the user.
	ErrNotEnrolled = errors.New("second factor not enrolled")
	// ErrVerificationFailed is returned when neither a backup code nor a TOTP code matched.
	ErrVerificationFailed = errors.New("second factor verification failed")
	// ErrStoreUnavailable wraps Redis failures. The second-factor path fails closed.
	ErrStoreUnavailable = errors.New("second factor store unavailable")
)

// Config holds second-factor tuning parameters.
type Config struct {
	Prefix           string
	Issuer           string
	Digits           int
	Period           int
	Skew             int
	Algorithm        string
	BackupCodeCount  int
	BackupCodeLength int
	TrustTTL         time.Duration
}

// Enrollment is returned by [Service.Setup]. Secret and BackupCodes are the
// only plaintext copies that will ever exist.
type Enrollment struct {
	Secret      string
	QRPayload   string
	BackupCodes []string
}

// TrustedDevice describes one registered device.
type TrustedDevice struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	TrustedAt int64  `json:"trusted_at"`
	LastUsed  int64  `json:"last_used"`
}

type secretRecord struct {
	Secret           []byte   `json:"secret"`
	BackupCodeHashes []string `json:"backup_code_hashes"`
	Enabled          bool     `json:"enabled"`
	LastUsedCounter  int64    `json:"last_used_counter"`
	LastUsedAt       int64    `json:"last_used_at,omitempty"`
}

// Service manages second-factor secrets, backup codes, and trusted devices.
type Service struct {
	redis  redis.UniversalClient
	crypto secrets.Provider
	totp   *totpManager
	config Config
	log    *zap.Logger
}

// NewService creates a second-factor [Service].
func NewService(redisClient redis.UniversalClient, crypto secrets.Provider, cfg Config, log *zap.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "t2"
	}
	if cfg.Digits <= 0 {
		cfg.Digits = 6
	}
	if cfg.Period <= 0 {
		cfg.Period = 30
	}
	if cfg.Skew < 0 {
		cfg.Skew = 1
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.BackupCodeLength <= 0 {
		cfg.BackupCodeLength = 10
	}
	if cfg.TrustTTL <= 0 {
		cfg.TrustTTL = 30 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		redis:  redisClient,
		crypto: crypto,
		totp:   newTOTPManager(cfg),
		config: cfg,
		log:    log,
	}
}

func (s *Service) secretKey(userID string) string {
	return s.config.Prefix + "s:" + userID
}

func (s *Service) deviceKey(userID, deviceID string) string {
	return s.config.Prefix + "d:" + userID + ":" + deviceID
}

func (s *Service) deviceIndexKey(userID string) string {
	return s.config.Prefix + "di:" + userID
}

func (s *Service) backupHash(userID, code string) string {
	return s.crypto.Hash("backup:" + userID + ":" + code)
}

// Setup generates a fresh secret, provisioning URI, and backup codes for
// the user, replacing any prior enrollment. The secret stays disabled until
// [Service.Enable] succeeds with a valid code.
func (s *Service) Setup(ctx context.Context, userID, label string) (*Enrollment, error) {
	raw, encoded, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, s.config.BackupCodeCount)
	hashes := make([]string, 0, s.config.BackupCodeCount)
	for i := 0; i < s.config.BackupCodeCount; i++ {
		code, err := internal.NewBackupCode(s.config.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, s.backupHash(userID, code))
	}

	record := secretRecord{
		Secret:           raw,
		BackupCodeHashes: hashes,
	}
	if err := s.saveRecord(ctx, userID, &record, 0); err != nil {
		return nil, err
	}

	account := label
	if account == "" {
		account = userID
	}

	return &Enrollment{
		Secret:      encoded,
		QRPayload:   s.totp.ProvisionURI(encoded, account),
		BackupCodes: codes,
	}, nil
}

// Verify validates a second-factor code for the user. Backup codes are
// checked before TOTP because a backup code is structurally just another
// code the user typed; a matching backup code is consumed atomically with
// the check so it can never be replayed. On TOTP success the matched
// time-step counter is recorded to reject replays within the skew window.
func (s *Service) Verify(ctx context.Context, userID, code string) (bool, error) {
	consumed, err := s.consumeBackupCode(ctx, userID, code)
	if err != nil {
		return false, err
	}
	if consumed {
		return true, nil
	}

	record, err := s.loadRecord(ctx, userID)
	if err != nil {
		return false, err
	}

	ok, counter, err := s.totp.VerifyCode(record.Secret, code, time.Now())
	if err != nil || !ok {
		return false, nil
	}
	if counter <= record.LastUsedCounter {
		// Same time step already used: replay.
		return false, nil
	}

	record.LastUsedCounter = counter
	record.LastUsedAt = time.Now().Unix()
	if err := s.saveRecord(ctx, userID, record, 0); err != nil {
		return false, err
	}

	return true, nil
}

// Enable turns the second factor on after a successful verification of the
// supplied code.
func (s *Service) Enable(ctx context.Context, userID, code string) error {
	ok, err := s.Verify(ctx, userID, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVerificationFailed
	}

	record, err := s.loadRecord(ctx, userID)
	if err != nil {
		return err
	}
	record.Enabled = true
	return s.saveRecord(ctx, userID, record, 0)
}

// Disable turns the second factor off after a successful verification and
// revokes every trusted device for the user.
func (s *Service) Disable(ctx context.Context, userID, code string) error {
	ok, err := s.Verify(ctx, userID, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVerificationFailed
	}

	if err := s.redis.Del(ctx, s.secretKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.RevokeTrustedDevices(ctx, userID)
}

// Enabled reports whether the user has an active second factor.
func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	record, err := s.loadRecord(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return false, nil
		}
		return false, err
	}
	return record.Enabled, nil
}

// RemainingBackupCodes reports how many backup codes are still unused.
func (s *Service) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	record, err := s.loadRecord(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(record.BackupCodeHashes), nil
}

// RegisterTrustedDevice records a device that may bypass second-factor
// prompts until the trust TTL lapses. Trust is never extended implicitly;
// after expiry it must be re-established.
func (s *Service) RegisterTrustedDevice(ctx context.Context, userID, deviceID, name string) error {
	now := time.Now()
	device := TrustedDevice{
		DeviceID:  deviceID,
		Name:      name,
		TrustedAt: now.Unix(),
		LastUsed:  now.Unix(),
	}
	data, err := json.Marshal(device)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.deviceKey(userID, deviceID), data, s.config.TrustTTL)
		pipe.SAdd(ctx, s.deviceIndexKey(userID), deviceID)
		pipe.Expire(ctx, s.deviceIndexKey(userID), s.config.TrustTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// IsDeviceTrusted reports whether the device holds unexpired trust for the
// user, updating its last-used timestamp without touching the TTL.
func (s *Service) IsDeviceTrusted(ctx context.Context, userID, deviceID string) (bool, error) {
	key := s.deviceKey(userID, deviceID)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var device TrustedDevice
	if err := json.Unmarshal(data, &device); err != nil {
		return false, nil
	}

	device.LastUsed = time.Now().Unix()
	if updated, err := json.Marshal(device); err == nil {
		if err := s.redis.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
			s.log.Warn("trusted device touch failed", zap.Error(err))
		}
	}

	return true, nil
}

// RevokeTrustedDevices drops every trusted device registered for the user.
func (s *Service) RevokeTrustedDevices(ctx context.Context, userID string) error {
	indexKey := s.deviceIndexKey(userID)
	deviceIDs, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	keys := make([]string, 0, len(deviceIDs)+1)
	for _, id := range deviceIDs {
		keys = append(keys, s.deviceKey(userID, id))
	}
	keys = append(keys, indexKey)

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// consumeBackupCode removes a matching backup code hash from the record in
// a WATCH transaction, retrying on contention, so concurrent verifications
// cannot both consume the same code.
func (s *Service) consumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	const maxRetries = 4
	key := s.secretKey(userID)
	target := s.backupHash(userID, code)

	for i := 0; i < maxRetries; i++ {
		var consumed bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := s.decodeRecord(data)
			if err != nil {
				return err
			}

			idx := -1
			for j, h := range record.BackupCodeHashes {
				if h == target {
					idx = j
					break
				}
			}
			if idx < 0 {
				return nil
			}

			record.BackupCodeHashes = append(
				record.BackupCodeHashes[:idx],
				record.BackupCodeHashes[idx+1:]...,
			)
			record.LastUsedAt = time.Now().Unix()

			encoded, err := s.encodeRecord(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, redis.KeepTTL)
				return nil
			})
			if err == nil {
				consumed = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrNotEnrolled
			}
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return consumed, nil
	}

	return false, fmt.Errorf("%w: backup code consume contention", ErrStoreUnavailable)
}

func (s *Service) loadRecord(ctx context.Context, userID string) (*secretRecord, error) {
	data, err := s.redis.Get(ctx, s.secretKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.decodeRecord(data)
}

func (s *Service) saveRecord(ctx context.Context, userID string, record *secretRecord, ttl time.Duration) error {
	encoded, err := s.encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.secretKey(userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Service) encodeRecord(record *secretRecord) ([]byte, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return s.crypto.Encrypt(plaintext)
}

func (s *Service) decodeRecord(data []byte) (*secretRecord, error) {
	plaintext, err := s.crypto.Decrypt(data)
	if err != nil {
		return nil, err
	}
	var record secretRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
