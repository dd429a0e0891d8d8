package mfa

import (
	"bytes"
	"context"
	"encoding/base32"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/finbridge/trustkit/secrets"
)

func newTestService(t *testing.T, cfg Config) (*miniredis.Miniredis, *Service) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	crypto, err := secrets.NewAEADProvider(
		bytes.Repeat([]byte{0x01}, secrets.KeySize),
		bytes.Repeat([]byte{0x02}, secrets.KeySize),
	)
	if err != nil {
		t.Fatalf("NewAEADProvider failed: %v", err)
	}

	return mr, NewService(client, crypto, cfg, nil)
}

// currentCode computes the TOTP code for the enrollment secret at the
// current time step.
func currentCode(t *testing.T, s *Service, secretBase32 string) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("secret decode failed: %v", err)
	}
	counter := time.Now().Unix() / int64(s.config.Period)
	code, err := hotpCode(secret, counter, s.config.Digits, s.config.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

func TestSetupProducesEnrollment(t *testing.T) {
	_, s := newTestService(t, Config{Issuer: "trustkit-test", BackupCodeCount: 8})
	ctx := context.Background()

	enrollment, err := s.Setup(ctx, "acct-1", "tg:1001")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if enrollment.Secret == "" {
		t.Fatal("empty secret")
	}
	if len(enrollment.BackupCodes) != 8 {
		t.Fatalf("got %d backup codes, want 8", len(enrollment.BackupCodes))
	}
	if got, _ := s.RemainingBackupCodes(ctx, "acct-1"); got != 8 {
		t.Fatalf("remaining = %d, want 8", got)
	}

	enabled, err := s.Enabled(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Enabled failed: %v", err)
	}
	if enabled {
		t.Fatal("enrollment enabled before Enable")
	}
}

func TestSecretStoredEncrypted(t *testing.T) {
	mr, s := newTestService(t, Config{})
	ctx := context.Background()

	enrollment, err := s.Setup(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	raw, err := mr.Get("t2s:acct-1")
	if err != nil {
		t.Fatalf("raw read failed: %v", err)
	}
	secret, _ := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(enrollment.Secret)
	if bytes.Contains([]byte(raw), secret) {
		t.Fatal("totp secret stored in plaintext")
	}
}

func TestVerifyTOTPAndReplayGuard(t *testing.T) {
	// A long period keeps the test clear of time-step boundaries.
	_, s := newTestService(t, Config{Period: 300})
	ctx := context.Background()

	enrollment, err := s.Setup(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	code := currentCode(t, s, enrollment.Secret)

	ok, err := s.Verify(ctx, "acct-1", code)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("valid totp code rejected")
	}

	// The same time step cannot verify twice.
	ok, err = s.Verify(ctx, "acct-1", code)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Fatal("totp code replayed")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, s := newTestService(t, Config{})
	ctx := context.Background()

	if _, err := s.Setup(ctx, "acct-1", ""); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	for _, code := range []string{"", "abc123", "000000", "12345", "1234567"} {
		if ok, _ := s.Verify(ctx, "acct-1", code); ok {
			t.Fatalf("code %q verified", code)
		}
	}
}

func TestVerifyNotEnrolled(t *testing.T) {
	_, s := newTestService(t, Config{})

	_, err := s.Verify(context.Background(), "acct-missing", "123456")
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("got %v, want ErrNotEnrolled", err)
	}
}

func TestBackupCodeConsumedOnce(t *testing.T) {
	_, s := newTestService(t, Config{BackupCodeCount: 3})
	ctx := context.Background()

	enrollment, err := s.Setup(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	backup := enrollment.BackupCodes[0]

	ok, err := s.Verify(ctx, "acct-1", backup)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("backup code rejected")
	}
	if got, _ := s.RemainingBackupCodes(ctx, "acct-1"); got != 2 {
		t.Fatalf("remaining = %d, want 2", got)
	}

	if ok, _ := s.Verify(ctx, "acct-1", backup); ok {
		t.Fatal("backup code consumed twice")
	}
}

func TestEnableRequiresValidCode(t *testing.T) {
	_, s := newTestService(t, Config{Period: 300})
	ctx := context.Background()

	enrollment, err := s.Setup(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if err := s.Enable(ctx, "acct-1", "000000"); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("wrong code: got %v, want ErrVerificationFailed", err)
	}

	if err := s.Enable(ctx, "acct-1", currentCode(t, s, enrollment.Secret)); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	enabled, err := s.Enabled(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Enabled failed: %v", err)
	}
	if !enabled {
		t.Fatal("second factor not enabled")
	}
}

func TestDisableRemovesEnrollmentAndDevices(t *testing.T) {
	_, s := newTestService(t, Config{BackupCodeCount: 3})
	ctx := context.Background()

	enrollment, err := s.Setup(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := s.RegisterTrustedDevice(ctx, "acct-1", "dev-1", "laptop"); err != nil {
		t.Fatalf("RegisterTrustedDevice failed: %v", err)
	}

	// A backup code works for disabling too.
	if err := s.Disable(ctx, "acct-1", enrollment.BackupCodes[0]); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	if enabled, _ := s.Enabled(ctx, "acct-1"); enabled {
		t.Fatal("second factor still enabled")
	}
	if _, err := s.Verify(ctx, "acct-1", enrollment.BackupCodes[1]); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("enrollment survived disable: %v", err)
	}
	if trusted, _ := s.IsDeviceTrusted(ctx, "acct-1", "dev-1"); trusted {
		t.Fatal("trusted device survived disable")
	}
}

func TestTrustedDeviceLifecycle(t *testing.T) {
	mr, s := newTestService(t, Config{TrustTTL: time.Hour})
	ctx := context.Background()

	if trusted, _ := s.IsDeviceTrusted(ctx, "acct-1", "dev-1"); trusted {
		t.Fatal("unregistered device trusted")
	}

	if err := s.RegisterTrustedDevice(ctx, "acct-1", "dev-1", "laptop"); err != nil {
		t.Fatalf("RegisterTrustedDevice failed: %v", err)
	}
	trusted, err := s.IsDeviceTrusted(ctx, "acct-1", "dev-1")
	if err != nil {
		t.Fatalf("IsDeviceTrusted failed: %v", err)
	}
	if !trusted {
		t.Fatal("registered device not trusted")
	}

	// Trust lapses with the TTL and is not extended by use.
	mr.FastForward(61 * time.Minute)
	if trusted, _ := s.IsDeviceTrusted(ctx, "acct-1", "dev-1"); trusted {
		t.Fatal("device trusted past its TTL")
	}
}

func TestRevokeTrustedDevices(t *testing.T) {
	_, s := newTestService(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"dev-1", "dev-2"} {
		if err := s.RegisterTrustedDevice(ctx, "acct-1", id, ""); err != nil {
			t.Fatalf("RegisterTrustedDevice failed: %v", err)
		}
	}

	if err := s.RevokeTrustedDevices(ctx, "acct-1"); err != nil {
		t.Fatalf("RevokeTrustedDevices failed: %v", err)
	}
	for _, id := range []string{"dev-1", "dev-2"} {
		if trusted, _ := s.IsDeviceTrusted(ctx, "acct-1", id); trusted {
			t.Fatalf("device %s survived revocation", id)
		}
	}
}

func TestSetupReplacesEnrollment(t *testing.T) {
	_, s := newTestService(t, Config{BackupCodeCount: 3})
	ctx := context.Background()

	first, err := s.Setup(ctx, "acct-1", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if _, err := s.Setup(ctx, "acct-1", ""); err != nil {
		t.Fatalf("second Setup failed: %v", err)
	}

	if ok, _ := s.Verify(ctx, "acct-1", first.BackupCodes[0]); ok {
		t.Fatal("backup code from replaced enrollment still verifies")
	}
}
