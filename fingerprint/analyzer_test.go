package fingerprint

import (
	"bytes"
	"strings"
	"testing"

	"github.com/finbridge/trustkit/secrets"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()

	crypto, err := secrets.NewAEADProvider(
		bytes.Repeat([]byte{0x01}, secrets.KeySize),
		bytes.Repeat([]byte{0x02}, secrets.KeySize),
	)
	if err != nil {
		t.Fatalf("NewAEADProvider failed: %v", err)
	}
	return NewAnalyzer(crypto)
}

func plausible() Fingerprint {
	return Fingerprint{
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
		Fonts:               []string{"Arial", "Calibri", "Segoe UI"},
		Plugins:             []string{"PDF Viewer"},
	}
}

func TestDeriveIDStable(t *testing.T) {
	a := newTestAnalyzer(t)

	fp := plausible()
	if a.DeriveID(fp) != a.DeriveID(fp) {
		t.Fatal("equal fingerprints derived different IDs")
	}

	other := plausible()
	other.Timezone = "America/New_York"
	if a.DeriveID(fp) == a.DeriveID(other) {
		t.Fatal("different fingerprints derived the same ID")
	}
}

func TestDeriveIDSurvivesBrowserUpdate(t *testing.T) {
	a := newTestAnalyzer(t)

	fp := plausible()
	fp.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0"
	updated := plausible()
	updated.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/121.0"

	if a.DeriveID(fp) != a.DeriveID(updated) {
		t.Fatal("user agent change alone rotated the device ID")
	}
}

func TestDeriveIDIgnoresFontOrder(t *testing.T) {
	a := newTestAnalyzer(t)

	fp := plausible()
	shuffled := plausible()
	shuffled.Fonts = []string{"Segoe UI", "Arial", "Calibri"}

	if a.DeriveID(fp) != a.DeriveID(shuffled) {
		t.Fatal("font order changed the derived ID")
	}
}

func TestSimilarity(t *testing.T) {
	a := newTestAnalyzer(t)

	fp := plausible()
	if got := a.Similarity(fp, fp); got != 1 {
		t.Fatalf("self similarity = %v, want 1", got)
	}

	slightly := plausible()
	slightly.Timezone = "America/New_York"
	near := a.Similarity(fp, slightly)
	if near >= 1 || near < 0.8 {
		t.Fatalf("one changed trait: similarity = %v", near)
	}

	far := a.Similarity(fp, Fingerprint{
		BrowserFamily:       "Safari",
		OS:                  "macOS",
		Platform:            "MacIntel",
		ScreenClass:         "2560x1600",
		Timezone:            "Asia/Tokyo",
		Language:            "ja-JP",
		HardwareConcurrency: 10,
		ColorDepth:          30,
		Canvas:              "zzzzzzzzzzzzzzzzzzzz",
		WebGL:               "Apple GPU",
		Fonts:               []string{"Hiragino Sans"},
	})
	if far >= near {
		t.Fatalf("unrelated device scored %v, near device %v", far, near)
	}
}

func TestSimilarityWeakPartialMatchesScoreZero(t *testing.T) {
	a := newTestAnalyzer(t)
	const tenOfEleven = 10.0 / 11.0

	// An unrelated canvas hash must earn no fractional credit; every other
	// slot matches, so the score is exactly the remaining ten slots.
	fp := plausible()
	other := plausible()
	other.Canvas = "zzzzzzzzzzzzzzzzzzzz"
	if got := a.Similarity(fp, other); got < tenOfEleven-1e-9 || got > tenOfEleven+1e-9 {
		t.Fatalf("unrelated canvas: similarity = %v, want %v", got, tenOfEleven)
	}

	// Font overlap below the cutoff likewise earns nothing.
	other = plausible()
	other.Fonts = []string{"Arial", "Noto Sans", "Roboto", "Ubuntu", "Lato"}
	if got := a.Similarity(fp, other); got < tenOfEleven-1e-9 || got > tenOfEleven+1e-9 {
		t.Fatalf("weak font overlap: similarity = %v, want %v", got, tenOfEleven)
	}
}

func TestIsSuspiciousPassesPlausibleDevice(t *testing.T) {
	a := newTestAnalyzer(t)

	if suspicious, reasons := a.IsSuspicious(plausible()); suspicious {
		t.Fatalf("plausible device flagged: %v", reasons)
	}
}

func TestIsSuspiciousPlatformOSConflict(t *testing.T) {
	a := newTestAnalyzer(t)

	fp := plausible()
	fp.Platform = "Win32"
	fp.OS = "Linux"

	suspicious, reasons := a.IsSuspicious(fp)
	if !suspicious {
		t.Fatal("platform/OS conflict not flagged")
	}
	if !hasReason(reasons, "platform contradicts") {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestIsSuspiciousHeadlessSignals(t *testing.T) {
	a := newTestAnalyzer(t)

	fp := plausible()
	fp.Canvas = ""
	fp.WebGL = "x"
	fp.Fonts = nil
	fp.Plugins = nil

	suspicious, reasons := a.IsSuspicious(fp)
	if !suspicious {
		t.Fatal("headless-looking device not flagged")
	}
	if len(reasons) < 3 {
		t.Fatalf("expected several reasons, got %v", reasons)
	}
}

func TestIsSuspiciousImplausibleHardware(t *testing.T) {
	a := newTestAnalyzer(t)

	fp := plausible()
	fp.HardwareConcurrency = 4096
	if suspicious, reasons := a.IsSuspicious(fp); !suspicious || !hasReason(reasons, "concurrency") {
		t.Fatalf("implausible concurrency: suspicious=%v reasons=%v", suspicious, reasons)
	}

	fp = plausible()
	fp.ColorDepth = 13
	if suspicious, reasons := a.IsSuspicious(fp); !suspicious || !hasReason(reasons, "color depth") {
		t.Fatalf("nonstandard depth: suspicious=%v reasons=%v", suspicious, reasons)
	}
}

func hasReason(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}
