package trustkit

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/finbridge/trustkit/audit"
	"github.com/finbridge/trustkit/fingerprint"
	"github.com/finbridge/trustkit/internal/breaker"
)

type stubWallet struct {
	accounts map[string]string
	err      error
}

func (w *stubWallet) VerifyAccountExists(_ context.Context, phone string) (bool, error) {
	if w.err != nil {
		return false, w.err
	}
	_, ok := w.accounts[phone]
	return ok, nil
}

func (w *stubWallet) AccountID(_ context.Context, phone string) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	return w.accounts[phone], nil
}

func testKey(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Crypto = CryptoConfig{HashKey: testKey(0x01), EncryptionKey: testKey(0x02)}
	cfg.Access = AccessConfig{
		Roles: map[string]RoleConfig{
			"user":  {Permissions: []string{"wallet.read"}, Rank: 1},
			"admin": {Permissions: []string{"wallet.admin"}, Inherits: []string{"user"}, Rank: 10},
		},
	}
	cfg.Token = TokenConfig{TTL: time.Hour, Method: "hs256", Key: testKey(0x03), Issuer: "test"}
	cfg.RateLimit.PerOperation = map[string]RateWindowConfig{
		"op.limited": {Limit: 2, Window: time.Minute},
	}
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *stubWallet) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	wallet := &stubWallet{accounts: map[string]string{"+15550100": "acct-1"}}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})).
		WithWallet(wallet).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, wallet
}

// linkAccount walks the full linking flow and returns the verified session ID.
func linkAccount(t *testing.T, e *Engine) string {
	t.Helper()
	ctx := context.Background()

	start, err := e.LinkPhone(ctx, "tg:1001", "+15550100")
	if err != nil {
		t.Fatalf("LinkPhone failed: %v", err)
	}
	if start.Code == "" {
		t.Fatal("no code returned without a messenger")
	}

	sess, _, err := e.ConfirmLink(ctx, start.Session.SessionID, start.Code)
	if err != nil {
		t.Fatalf("ConfirmLink failed: %v", err)
	}
	return sess.SessionID
}

func TestLinkFlow(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	start, err := e.LinkPhone(ctx, "tg:1001", "+15550100")
	if err != nil {
		t.Fatalf("LinkPhone failed: %v", err)
	}
	if start.Session.Verified {
		t.Fatal("session verified before confirmation")
	}

	sess, signed, err := e.ConfirmLink(ctx, start.Session.SessionID, start.Code)
	if err != nil {
		t.Fatalf("ConfirmLink failed: %v", err)
	}
	if !sess.Verified || sess.AccountID != "acct-1" {
		t.Fatalf("session after confirm = %+v", sess)
	}
	if signed == "" {
		t.Fatal("no token issued")
	}

	events, err := e.QueryAuditEvents(ctx, audit.Filter{Types: []string{audit.EventLoginSuccess}})
	if err != nil {
		t.Fatalf("audit query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d login_success events, want 1", len(events))
	}

	if got := e.Metrics().Value(MetricTokenIssued); got != 1 {
		t.Fatalf("token metric = %d, want 1", got)
	}
}

func TestLinkUnknownAccount(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.LinkPhone(context.Background(), "tg:1001", "+19990000")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("got %v, want ErrAccountNotFound", err)
	}
}

func TestConfirmRejectsWrongCode(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	start, err := e.LinkPhone(ctx, "tg:1001", "+15550100")
	if err != nil {
		t.Fatalf("LinkPhone failed: %v", err)
	}

	wrong := "000000"
	if wrong == start.Code {
		wrong = "000001"
	}
	if _, _, err := e.ConfirmLink(ctx, start.Session.SessionID, wrong); !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("got %v, want ErrChallengeInvalid", err)
	}

	// The correct code still works after a mismatch, and only once.
	if _, _, err := e.ConfirmLink(ctx, start.Session.SessionID, start.Code); err != nil {
		t.Fatalf("ConfirmLink failed: %v", err)
	}
	if _, _, err := e.ConfirmLink(ctx, start.Session.SessionID, start.Code); !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("code replay: got %v, want ErrChallengeInvalid", err)
	}
}

func TestAuthorizeGrantsAndDenies(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	sessionID := linkAccount(t, e)

	decision, err := e.Authorize(ctx, AccessRequest{
		SessionID:   sessionID,
		Operation:   "balance.read",
		Permissions: []string{"wallet.read"},
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !decision.Allowed || decision.Session == nil {
		t.Fatalf("decision = %+v", decision)
	}

	decision, err = e.Authorize(ctx, AccessRequest{
		SessionID:   sessionID,
		Operation:   "admin.panel",
		Permissions: []string{"wallet.admin"},
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if decision.Allowed || decision.Reason == "" {
		t.Fatalf("denial decision = %+v", decision)
	}

	if _, err := e.Authorize(ctx, AccessRequest{
		SessionID: "no-such-session",
		Operation: "balance.read",
	}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestAuthorizeWithToken(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	start, err := e.LinkPhone(ctx, "tg:1001", "+15550100")
	if err != nil {
		t.Fatalf("LinkPhone failed: %v", err)
	}
	sess, signed, err := e.ConfirmLink(ctx, start.Session.SessionID, start.Code)
	if err != nil {
		t.Fatalf("ConfirmLink failed: %v", err)
	}
	if signed == "" {
		t.Fatal("no token issued")
	}

	// The session resolves from the token alone.
	decision, err := e.Authorize(ctx, AccessRequest{
		AuthToken:   signed,
		Operation:   "balance.read",
		Permissions: []string{"wallet.read"},
	})
	if err != nil {
		t.Fatalf("Authorize with token failed: %v", err)
	}
	if !decision.Allowed || decision.Session.SessionID != sess.SessionID {
		t.Fatalf("decision = %+v", decision)
	}

	// A token and a contradicting session ID never authorize.
	if _, err := e.Authorize(ctx, AccessRequest{
		SessionID: "other-session",
		AuthToken: signed,
		Operation: "balance.read",
	}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("mismatched session: got %v, want ErrUnauthenticated", err)
	}

	for _, bad := range []string{"not.a.token", signed + "x"} {
		if _, err := e.Authorize(ctx, AccessRequest{
			AuthToken: bad,
			Operation: "balance.read",
		}); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("token %q: got %v, want ErrUnauthenticated", bad, err)
		}
	}
}

func TestAuthorizeTokenWithoutManager(t *testing.T) {
	e, _ := newTestEngine(t, func(cfg *Config) {
		cfg.Token = TokenConfig{}
	})

	if _, err := e.Authorize(context.Background(), AccessRequest{
		AuthToken: "whatever",
		Operation: "balance.read",
	}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestExpiredSessionCountsMetric(t *testing.T) {
	e, _ := newTestEngine(t, func(cfg *Config) {
		cfg.Session.TTL = 100 * time.Millisecond
	})
	ctx := context.Background()
	sessionID := linkAccount(t, e)

	time.Sleep(120 * time.Millisecond)

	if _, err := e.Authorize(ctx, AccessRequest{
		SessionID: sessionID,
		Operation: "balance.read",
	}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated after expiry", err)
	}
	if got := e.Metrics().Value(MetricSessionExpired); got != 1 {
		t.Fatalf("session expired metric = %d, want 1", got)
	}
}

func TestAuthorizeRecordsExactlyOneEvent(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	sessionID := linkAccount(t, e)

	count := func() int {
		events, err := e.QueryAuditEvents(ctx, audit.Filter{Limit: 1000})
		if err != nil {
			t.Fatalf("audit query failed: %v", err)
		}
		return len(events)
	}

	before := count()
	if _, err := e.Authorize(ctx, AccessRequest{
		SessionID:   sessionID,
		Operation:   "balance.read",
		Permissions: []string{"wallet.read"},
	}); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if got := count() - before; got != 1 {
		t.Fatalf("grant recorded %d events, want 1", got)
	}

	before = count()
	e.Authorize(ctx, AccessRequest{
		SessionID:   sessionID,
		Operation:   "admin.panel",
		Permissions: []string{"wallet.admin"},
	})
	if got := count() - before; got != 1 {
		t.Fatalf("denial recorded %d events, want 1", got)
	}
}

func TestAuthorizeRateLimits(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	sessionID := linkAccount(t, e)

	for i := 0; i < 2; i++ {
		if _, err := e.Authorize(ctx, AccessRequest{
			SessionID: sessionID,
			Operation: "op.limited",
		}); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}

	decision, err := e.Authorize(ctx, AccessRequest{
		SessionID: sessionID,
		Operation: "op.limited",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %d, want positive", decision.RetryAfter)
	}
	if got := e.Metrics().Value(MetricRateLimitHit); got == 0 {
		t.Fatal("rate limit metric not incremented")
	}
}

func TestSecondFactorFlow(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	sessionID := linkAccount(t, e)

	// A fresh session has no live second-factor window.
	if _, err := e.Authorize(ctx, AccessRequest{
		SessionID:           sessionID,
		Operation:           "transfer",
		RequireSecondFactor: true,
	}); !errors.Is(err, ErrSecondFactorRequired) {
		t.Fatalf("got %v, want ErrSecondFactorRequired", err)
	}

	enrollment, err := e.SetupSecondFactor(ctx, sessionID)
	if err != nil {
		t.Fatalf("SetupSecondFactor failed: %v", err)
	}
	if len(enrollment.BackupCodes) == 0 {
		t.Fatal("no backup codes issued")
	}

	if err := e.EnableSecondFactor(ctx, sessionID, enrollment.BackupCodes[0]); err != nil {
		t.Fatalf("EnableSecondFactor failed: %v", err)
	}

	if _, err := e.VerifySecondFactor(ctx, sessionID, "000000"); !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("wrong code: got %v, want ErrChallengeInvalid", err)
	}

	sess, err := e.VerifySecondFactor(ctx, sessionID, enrollment.BackupCodes[1])
	if err != nil {
		t.Fatalf("VerifySecondFactor failed: %v", err)
	}
	if !sess.MFAValid(time.Now()) {
		t.Fatal("second-factor window not open")
	}

	// With the window open the guarded operation passes.
	if _, err := e.Authorize(ctx, AccessRequest{
		SessionID:           sessionID,
		Operation:           "transfer",
		RequireSecondFactor: true,
	}); err != nil {
		t.Fatalf("Authorize with open window failed: %v", err)
	}

	if got := e.Metrics().Value(MetricBackupCodeUsed); got == 0 {
		t.Fatal("backup code metric not incremented")
	}
}

func TestTrustDevice(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	sessionID := linkAccount(t, e)

	enrollment, err := e.SetupSecondFactor(ctx, sessionID)
	if err != nil {
		t.Fatalf("SetupSecondFactor failed: %v", err)
	}
	if _, err := e.VerifySecondFactor(ctx, sessionID, enrollment.BackupCodes[0]); err != nil {
		t.Fatalf("VerifySecondFactor failed: %v", err)
	}

	fp := fingerprint.Fingerprint{
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		BrowserFamily:       "Chrome",
		OS:                  "Windows",
		Platform:            "Win32",
		ScreenClass:         "1920x1080",
		Timezone:            "Europe/Berlin",
		Language:            "de-DE",
		HardwareConcurrency: 8,
		ColorDepth:          24,
		Canvas:              "a1b2c3d4e5f6a7b8c9d0",
		WebGL:               "ANGLE (NVIDIA GeForce RTX 3060)",
		Fonts:               []string{"Arial", "Calibri"},
		Plugins:             []string{"PDF Viewer"},
	}

	deviceID, err := e.TrustDevice(ctx, sessionID, fp, "laptop")
	if err != nil {
		t.Fatalf("TrustDevice failed: %v", err)
	}
	trusted, err := e.IsTrustedDevice(ctx, sessionID, deviceID)
	if err != nil {
		t.Fatalf("IsTrustedDevice failed: %v", err)
	}
	if !trusted {
		t.Fatal("device not trusted after registration")
	}

	// A headless-looking fingerprint is refused.
	fp.Canvas = ""
	fp.Fonts = nil
	fp.Plugins = nil
	if _, err := e.TrustDevice(ctx, sessionID, fp, "bot"); !errors.Is(err, ErrDeviceSuspicious) {
		t.Fatalf("got %v, want ErrDeviceSuspicious", err)
	}
}

func TestBreakerShieldsWallet(t *testing.T) {
	e, wallet := newTestEngine(t, func(cfg *Config) {
		cfg.Breaker.FailureThreshold = 2
		cfg.Breaker.ResetTimeout = time.Hour
	})
	ctx := context.Background()

	wallet.err = errors.New("wallet down")

	for i := 0; i < 2; i++ {
		if _, err := e.LinkPhone(ctx, "tg:1001", "+15550100"); !errors.Is(err, ErrDependencyUnavailable) {
			t.Fatalf("call %d: got %v, want ErrDependencyUnavailable", i+1, err)
		}
	}
	if got := e.BreakerState(walletOpVerify); got != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}

	// The wallet recovers, but the open breaker still rejects.
	wallet.err = nil
	if _, err := e.LinkPhone(ctx, "tg:1001", "+15550100"); !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("got %v, want ErrDependencyUnavailable while open", err)
	}
	if got := e.Metrics().Value(MetricBreakerRejected); got == 0 {
		t.Fatal("breaker rejection metric not incremented")
	}
}

func TestUnlink(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	sessionID := linkAccount(t, e)

	if err := e.Unlink(ctx, sessionID); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, err := e.Authorize(ctx, AccessRequest{
		SessionID: sessionID,
		Operation: "balance.read",
	}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated after unlink", err)
	}
	if err := e.Unlink(ctx, sessionID); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("second Unlink: got %v, want ErrUnauthenticated", err)
	}
}

func TestBuildValidation(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if _, err := New().WithConfig(testConfig()).Build(); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("missing redis: got %v, want ErrConfigInvalid", err)
	}

	cfg := testConfig()
	cfg.Crypto.EncryptionKey = "short"
	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("bad key: got %v, want ErrConfigInvalid", err)
	}

	cfg = testConfig()
	cfg.Access.Roles["broken"] = RoleConfig{Inherits: []string{"missing"}}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("bad role graph: got %v, want ErrConfigInvalid", err)
	}
}
