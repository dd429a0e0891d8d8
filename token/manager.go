// Package token issues and verifies signed session tokens handed to
// clients after account linking completes.
package token

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

// ErrTokenInvalid is returned for any token that fails parsing or
// verification.
var ErrTokenInvalid = errors.New("invalid token")

// Config holds token issuance parameters.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	// Key is the HMAC secret for hs256 or the ed25519 private key (seed or
	// full form) for ed25519.
	Key    []byte
	Issuer string
	Leeway time.Duration
}

// Claims carried by an issued token. Subject holds the account ID.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Manager signs and parses session tokens. Immutable after construction.
type Manager struct {
	config Config
	signer any
	verify any
}

// NewManager validates the config and prepares signing keys.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid token TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid token leeway")
	}

	m := &Manager{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Key) == 0 {
			return nil, errors.New("hs256 requires a key")
		}
		m.signer = cfg.Key
		m.verify = cfg.Key
	case MethodEd25519:
		priv, err := edPrivateKey(cfg.Key)
		if err != nil {
			return nil, err
		}
		m.signer = priv
		m.verify = priv.Public()
	default:
		return nil, errors.New("unsupported signing method")
	}

	return m, nil
}

// Issue creates a token bound to the session and account.
func (m *Manager) Issue(sessionID, accountID string) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
		},
	}

	tok := jwt.NewWithClaims(m.method(), claims)
	return tok.SignedString(m.signer)
}

// Parse verifies the token signature and registered claims.
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithIssuedAt(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return m.verify, nil
	})
	if err != nil {
		return nil, errors.Join(ErrTokenInvalid, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func edPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	switch len(key) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key")
	}
	return priv, nil
}
