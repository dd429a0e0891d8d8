// Package fingerprint derives stable device identifiers from client-reported
// device traits and scores how alike or how implausible two reports are.
// The derived ID is a keyed hash, so raw trait values never leave the
// process as identifiers.
package fingerprint

import (
	"sort"
	"strconv"
	"strings"

	"github.com/finbridge/trustkit/secrets"
)

// Fingerprint is a client-reported set of device traits. Every field is
// optional; absent traits simply contribute nothing.
type Fingerprint struct {
	UserAgent           string   `json:"user_agent,omitempty"`
	BrowserFamily       string   `json:"browser_family,omitempty"`
	OS                  string   `json:"os,omitempty"`
	Platform            string   `json:"platform,omitempty"`
	ScreenClass         string   `json:"screen_class,omitempty"`
	Timezone            string   `json:"timezone,omitempty"`
	Language            string   `json:"language,omitempty"`
	HardwareConcurrency int      `json:"hardware_concurrency,omitempty"`
	ColorDepth          int      `json:"color_depth,omitempty"`
	Canvas              string   `json:"canvas,omitempty"`
	WebGL               string   `json:"webgl,omitempty"`
	Fonts               []string `json:"fonts,omitempty"`
	Plugins             []string `json:"plugins,omitempty"`
}

// Bound on how much of the font list feeds the ID, so that trailing font
// churn does not change the derived identifier.
const idFontPrefix = 16

const minCanvasLen = 16

// Near-match cutoffs. Canvas and font slots earn fractional credit only
// when the match is at least this close; below the cutoff the slot scores
// zero, so an unrelated canvas hash or font set earns nothing.
const (
	canvasCreditMin = 0.7
	fontCreditMin   = 0.3
)

// Analyzer derives device IDs and evaluates fingerprints.
type Analyzer struct {
	crypto secrets.Provider
}

// NewAnalyzer creates an [Analyzer] using crypto for ID derivation.
func NewAnalyzer(crypto secrets.Provider) *Analyzer {
	return &Analyzer{crypto: crypto}
}

// DeriveID computes a stable keyed identifier for the fingerprint. Only
// stable traits feed the derivation: the raw user agent string changes on
// every browser update and would rotate the ID each release cycle, so
// BrowserFamily stands in for it. The font list contributes a sorted
// bounded prefix.
func (a *Analyzer) DeriveID(fp Fingerprint) string {
	fonts := append([]string(nil), fp.Fonts...)
	sort.Strings(fonts)
	if len(fonts) > idFontPrefix {
		fonts = fonts[:idFontPrefix]
	}

	parts := []string{
		fp.BrowserFamily,
		fp.OS,
		fp.Platform,
		fp.ScreenClass,
		fp.Timezone,
		fp.Language,
		strconv.Itoa(fp.HardwareConcurrency),
		strconv.Itoa(fp.ColorDepth),
		fp.Canvas,
		fp.WebGL,
		strings.Join(fonts, ","),
	}

	return a.crypto.Hash(strings.Join(parts, "|"))
}

// Similarity scores two fingerprints in [0, 1]. Each discrete trait slot
// contributes equally; canvas closeness and font overlap contribute
// fractional credit, but only above their near-match cutoffs.
func (a *Analyzer) Similarity(x, y Fingerprint) float64 {
	var score, slots float64

	cmp := func(xv, yv string) {
		slots++
		if xv == yv {
			score++
		}
	}
	cmp(x.BrowserFamily, y.BrowserFamily)
	cmp(x.OS, y.OS)
	cmp(x.Platform, y.Platform)
	cmp(x.ScreenClass, y.ScreenClass)
	cmp(x.Timezone, y.Timezone)
	cmp(x.Language, y.Language)
	cmp(x.WebGL, y.WebGL)

	slots++
	if x.HardwareConcurrency == y.HardwareConcurrency {
		score++
	}
	slots++
	if x.ColorDepth == y.ColorDepth {
		score++
	}

	slots++
	if x.Canvas != "" || y.Canvas != "" {
		if c := canvasCloseness(x.Canvas, y.Canvas); c >= canvasCreditMin {
			score += c
		}
	} else {
		score++
	}

	slots++
	if len(x.Fonts) > 0 || len(y.Fonts) > 0 {
		if j := jaccard(x.Fonts, y.Fonts); j >= fontCreditMin {
			score += j
		}
	} else {
		score++
	}

	return score / slots
}

// canvasCloseness maps edit distance between canvas hashes to [0, 1].
func canvasCloseness(x, y string) float64 {
	if x == y {
		return 1
	}
	longest := len(x)
	if len(y) > longest {
		longest = len(y)
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein(x, y)
	return 1 - float64(d)/float64(longest)
}

var plausibleColorDepths = map[int]struct{}{
	8: {}, 16: {}, 24: {}, 30: {}, 32: {}, 48: {},
}

// platformOSConflicts lists platform substrings that contradict the
// reported operating system.
var platformOSConflicts = []struct {
	platform string
	os       string
}{
	{"win", "linux"},
	{"win", "mac"},
	{"win", "android"},
	{"win", "ios"},
	{"mac", "windows"},
	{"mac", "linux"},
	{"mac", "android"},
	{"linux", "windows"},
	{"linux", "mac"},
	{"linux", "ios"},
	{"iphone", "android"},
	{"android", "ios"},
}

// IsSuspicious reports whether the fingerprint shows signs of spoofing or a
// headless environment, with the reasons found.
func (a *Analyzer) IsSuspicious(fp Fingerprint) (bool, []string) {
	var reasons []string

	platform := strings.ToLower(fp.Platform)
	os := strings.ToLower(fp.OS)
	if platform != "" && os != "" {
		for _, c := range platformOSConflicts {
			if strings.Contains(platform, c.platform) && strings.Contains(os, c.os) {
				reasons = append(reasons, "platform contradicts reported OS")
				break
			}
		}
	}

	if fp.Canvas == "" || len(fp.Canvas) < minCanvasLen {
		reasons = append(reasons, "canvas signal missing or truncated")
	}
	if fp.WebGL == "" || len(fp.WebGL) < minCanvasLen {
		reasons = append(reasons, "webgl signal missing or truncated")
	}
	if len(fp.Fonts) == 0 {
		reasons = append(reasons, "no fonts reported")
	}
	if fp.HardwareConcurrency < 0 || fp.HardwareConcurrency > 128 {
		reasons = append(reasons, "implausible hardware concurrency")
	}
	if fp.ColorDepth != 0 {
		if _, ok := plausibleColorDepths[fp.ColorDepth]; !ok {
			reasons = append(reasons, "nonstandard color depth")
		}
	}
	if len(fp.Plugins) == 0 && fp.BrowserFamily != "" &&
		!strings.Contains(strings.ToLower(fp.UserAgent), "mobile") {
		reasons = append(reasons, "desktop browser reports no plugins")
	}

	return len(reasons) > 0, reasons
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	inter := 0
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, ok := set[v]; ok {
			inter++
		}
	}
	union := len(set) + len(seen) - inter
	return float64(inter) / float64(union)
}
