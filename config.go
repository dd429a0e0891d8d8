package trustkit

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/finbridge/trustkit/secrets"
	"github.com/finbridge/trustkit/token"
)

// RedisConfig locates the backing store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CryptoConfig carries the keying material. Both keys are base64
// (standard encoding) in YAML.
type CryptoConfig struct {
	HashKey       string `yaml:"hash_key"`
	EncryptionKey string `yaml:"encryption_key"`
}

// HashKeyBytes decodes the pseudonymization key.
func (c CryptoConfig) HashKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.HashKey)
}

// EncryptionKeyBytes decodes the payload encryption key.
func (c CryptoConfig) EncryptionKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.EncryptionKey)
}

// SessionConfig tunes session lifetime.
type SessionConfig struct {
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	MFAWindow   time.Duration `yaml:"mfa_window"`
	DefaultRole string        `yaml:"default_role"`
}

// ChallengeConfig tunes one-time code issuance.
type ChallengeConfig struct {
	Prefix string        `yaml:"prefix"`
	Digits int           `yaml:"digits"`
	TTL    time.Duration `yaml:"ttl"`
}

// SecondFactorConfig tunes TOTP, backup codes, and device trust.
type SecondFactorConfig struct {
	Prefix           string        `yaml:"prefix"`
	Issuer           string        `yaml:"issuer"`
	Digits           int           `yaml:"digits"`
	Period           int           `yaml:"period"`
	Skew             int           `yaml:"skew"`
	Algorithm        string        `yaml:"algorithm"`
	BackupCodeCount  int           `yaml:"backup_code_count"`
	BackupCodeLength int           `yaml:"backup_code_length"`
	TrustTTL         time.Duration `yaml:"trust_ttl"`
}

// RoleConfig declares one role for the authority.
type RoleConfig struct {
	Permissions []string `yaml:"permissions"`
	Inherits    []string `yaml:"inherits"`
	Rank        int      `yaml:"rank"`
}

// AccessConfig declares the role graph.
type AccessConfig struct {
	Roles    map[string]RoleConfig `yaml:"roles"`
	RootRole string                `yaml:"root_role"`
}

// AuditConfig tunes the event log and its sink fan-out.
type AuditConfig struct {
	Prefix              string        `yaml:"prefix"`
	MaxEvents           int64         `yaml:"max_events"`
	AnomalyWindow       time.Duration `yaml:"anomaly_window"`
	BruteForceThreshold int           `yaml:"brute_force_threshold"`
	FloodThreshold      int           `yaml:"flood_threshold"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
	SinkBuffer          int           `yaml:"sink_buffer"`
	DropIfFull          bool          `yaml:"drop_if_full"`
}

// RateWindowConfig is one fixed window.
type RateWindowConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig tunes per-identity operation limits.
type RateLimitConfig struct {
	Prefix       string                      `yaml:"prefix"`
	Default      RateWindowConfig            `yaml:"default"`
	PerOperation map[string]RateWindowConfig `yaml:"per_operation"`
}

// BreakerConfig tunes the dependency circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// TokenConfig tunes issued session tokens. Key is base64 in YAML.
type TokenConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Method string        `yaml:"method"`
	Key    string        `yaml:"key"`
	Issuer string        `yaml:"issuer"`
}

// KeyBytes decodes the signing key.
func (c TokenConfig) KeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Key)
}

// NotifyConfig tunes security-notice delivery.
type NotifyConfig struct {
	Buffer      int           `yaml:"buffer"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// Config is the full engine configuration.
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	Session      SessionConfig      `yaml:"session"`
	Challenge    ChallengeConfig    `yaml:"challenge"`
	SecondFactor SecondFactorConfig `yaml:"second_factor"`
	Access       AccessConfig       `yaml:"access"`
	Audit        AuditConfig        `yaml:"audit"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Token        TokenConfig        `yaml:"token"`
	Notify       NotifyConfig       `yaml:"notify"`
	Metrics      bool               `yaml:"metrics"`
}

// DefaultConfig returns the baseline configuration. Keys, roles, and the
// Redis address still have to be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			TTL:         24 * time.Hour,
			MFAWindow:   15 * time.Minute,
			DefaultRole: "user",
		},
		Challenge: ChallengeConfig{
			Digits: 6,
			TTL:    5 * time.Minute,
		},
		SecondFactor: SecondFactorConfig{
			Digits:           6,
			Period:           30,
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
			TrustTTL:         30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			MaxEvents:     10000,
			AnomalyWindow: 10 * time.Minute,
			SinkBuffer:    256,
			DropIfFull:    true,
		},
		RateLimit: RateLimitConfig{
			Default: RateWindowConfig{Limit: 30, Window: time.Minute},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			CallTimeout:      5 * time.Second,
		},
		Token: TokenConfig{
			TTL:    24 * time.Hour,
			Method: string(token.MethodHS256),
		},
		Notify: NotifyConfig{
			Buffer:      64,
			MaxAttempts: 4,
			BaseBackoff: 250 * time.Millisecond,
		},
		Metrics: true,
	}
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c *Config) Validate() error {
	hashKey, err := c.Crypto.HashKeyBytes()
	if err != nil {
		return fmt.Errorf("%w: crypto.hash_key: %v", ErrConfigInvalid, err)
	}
	if len(hashKey) != secrets.KeySize {
		return fmt.Errorf("%w: crypto.hash_key must be %d bytes", ErrConfigInvalid, secrets.KeySize)
	}

	encKey, err := c.Crypto.EncryptionKeyBytes()
	if err != nil {
		return fmt.Errorf("%w: crypto.encryption_key: %v", ErrConfigInvalid, err)
	}
	if len(encKey) != secrets.KeySize {
		return fmt.Errorf("%w: crypto.encryption_key must be %d bytes", ErrConfigInvalid, secrets.KeySize)
	}

	if len(c.Access.Roles) == 0 {
		return fmt.Errorf("%w: access.roles is required", ErrConfigInvalid)
	}
	if c.Session.DefaultRole != "" {
		if _, ok := c.Access.Roles[c.Session.DefaultRole]; !ok {
			return fmt.Errorf("%w: session.default_role %q is not a declared role", ErrConfigInvalid, c.Session.DefaultRole)
		}
	}

	if c.Token.Key != "" {
		if _, err := c.Token.KeyBytes(); err != nil {
			return fmt.Errorf("%w: token.key: %v", ErrConfigInvalid, err)
		}
	}

	return nil
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
