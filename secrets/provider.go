// Package secrets supplies the keyed hashing and authenticated encryption
// primitives used for at-rest session, second-factor, and audit payloads.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCipherTamper is returned when an encrypted payload fails authentication.
var ErrCipherTamper = errors.New("ciphertext authentication failed")

// ErrKeySize is returned when a provider key has the wrong length.
var ErrKeySize = errors.New("invalid key size")

// KeySize is the required byte length of both provider keys.
const KeySize = chacha20poly1305.KeySize

// Provider is the crypto capability consumed by the stores: a deterministic
// keyed hash for pseudonymizing identifiers and an authenticated cipher for
// at-rest payloads. Decrypt fails loudly on any tampering.
type Provider interface {
	Hash(value string) string
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AEADProvider implements [Provider] with HMAC-SHA256 hashing and
// XChaCha20-Poly1305 encryption. Instances are immutable after construction.
type AEADProvider struct {
	hashKey []byte
	encKey  []byte
}

// NewAEADProvider creates an [AEADProvider] from a 32-byte hash key and a
// 32-byte encryption key.
func NewAEADProvider(hashKey, encKey []byte) (*AEADProvider, error) {
	if len(hashKey) != KeySize {
		return nil, fmt.Errorf("%w: hash key must be %d bytes", ErrKeySize, KeySize)
	}
	if len(encKey) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes", ErrKeySize, KeySize)
	}

	p := &AEADProvider{
		hashKey: append([]byte(nil), hashKey...),
		encKey:  append([]byte(nil), encKey...),
	}
	return p, nil
}

// Hash returns the hex-encoded HMAC-SHA256 of value under the hash key.
// Equal inputs always produce equal outputs, so the result is safe to use
// as a lookup key for pseudonymized identifiers.
func (p *AEADProvider) Hash(value string) string {
	mac := hmac.New(sha256.New, p.hashKey)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Encrypt seals plaintext with XChaCha20-Poly1305. The random nonce is
// prepended to the returned ciphertext.
func (p *AEADProvider) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(p.encKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by [AEADProvider.Encrypt]. Any
// modification of the payload yields [ErrCipherTamper].
func (p *AEADProvider) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(p.encKey)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCipherTamper
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCipherTamper
	}
	return plaintext, nil
}
