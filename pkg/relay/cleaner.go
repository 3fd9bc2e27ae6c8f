// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// CleaningConfig controls the stealth normalization pipeline. Patterns are
// matched case-insensitively against individual trimmed lines; a matching
// line is removed entirely.
type CleaningConfig struct {
	RemoveZeroWidth     bool     `yaml:"remove_zero_width" json:"remove_zero_width"`
	CollapsePunctuation bool     `yaml:"collapse_punctuation" json:"collapse_punctuation"`
	CollapseSymbolRuns  bool     `yaml:"collapse_symbol_runs" json:"collapse_symbol_runs"`
	StripDecorations    bool     `yaml:"strip_decorations" json:"strip_decorations"`
	RemoveMentions      bool     `yaml:"remove_mentions" json:"remove_mentions"`
	HeaderPatterns      []string `yaml:"header_patterns" json:"header_patterns"`
	FooterPatterns      []string `yaml:"footer_patterns" json:"footer_patterns"`
	AttributionPatterns []string `yaml:"attribution_patterns" json:"attribution_patterns"`
	// Neutralize enables the best-effort promotional-language pass. It is
	// explicitly allowed to leave content unchanged; callers must not assume
	// it succeeds.
	Neutralize bool `yaml:"neutralize" json:"neutralize"`
	// Watermark enables invisible image watermarking for leak tracing.
	Watermark bool `yaml:"watermark" json:"watermark"`
}

// DefaultCleaningConfig returns the cleaning profile applied to pairs that
// do not override it.
func DefaultCleaningConfig() CleaningConfig {
	return CleaningConfig{
		RemoveZeroWidth:     true,
		CollapsePunctuation: true,
		CollapseSymbolRuns:  true,
		StripDecorations:    true,
		AttributionPatterns: []string{
			`^shared by\b`,
			`^forwarded (from|by)\b`,
			`^(channel|group)\s*:\s*@\S+`,
			`^via @\S+$`,
			`^auto\s*copy\b`,
		},
	}
}

// CleanResult reports what the pipeline did to a piece of text.
type CleanResult struct {
	Text           string
	Changed        bool
	ReductionBytes int
}

// Cleaner applies a fixed, ordered, deterministic pipeline to text and
// images before forwarding. The text pipeline is idempotent: cleaning
// already-clean text yields it unchanged.
type Cleaner struct {
	cfg          CleaningConfig
	linePatterns []*regexp.Regexp
	log          zerolog.Logger
}

// NewCleaner compiles the configured patterns. Invalid patterns are rejected
// here so the pipeline never sees them.
func NewCleaner(cfg CleaningConfig, log zerolog.Logger) (*Cleaner, error) {
	c := &Cleaner{
		cfg: cfg,
		log: log.With().Str("component", "cleaner").Logger(),
	}
	for _, group := range [][]string{cfg.HeaderPatterns, cfg.FooterPatterns, cfg.AttributionPatterns} {
		for _, pattern := range group {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid cleaning pattern %q: %w", pattern, err)
			}
			c.linePatterns = append(c.linePatterns, re)
		}
	}
	return c, nil
}

// Zero-width space, non-joiner, joiner, word joiner, and BOM.
var invisibleChars = []rune{'\u200B', '\u200C', '\u200D', '\u2060', '\uFEFF'}

var (
	exclaimRunRe  = regexp.MustCompile(`!{2,}`)
	questionRunRe = regexp.MustCompile(`\?{2,}`)
	dotRunRe      = regexp.MustCompile(`\.{3,}`)
	commaRunRe    = regexp.MustCompile(`,{2,}`)
	semiRunRe     = regexp.MustCompile(`;{2,}`)

	decorationRes = []*regexp.Regexp{
		regexp.MustCompile(`\*{3,}\s*(.+?)\s*\*{3,}`),
		regexp.MustCompile(`={3,}\s*(.+?)\s*={3,}`),
		regexp.MustCompile(`-{3,}\s*(.+?)\s*-{3,}`),
		regexp.MustCompile(`#{3,}\s*(.+?)\s*#{3,}`),
		regexp.MustCompile(`▪{2,}\s*(.+?)\s*▪{2,}`),
		regexp.MustCompile(`•{2,}\s*(.+?)\s*•{2,}`),
	}

	mentionRe = regexp.MustCompile(`@\w+`)

	spaceRunRe   = regexp.MustCompile(`[ \t]{2,}`)
	trailSpaceRe = regexp.MustCompile(`[ \t]+\n`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)

	neutralizeRes = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`(?i)\b(VIP|PREMIUM|EXCLUSIVE)\s+`), ""},
		{regexp.MustCompile(`(?i)\b(AMAZING|INCREDIBLE|FANTASTIC)\s+`), ""},
		{regexp.MustCompile(`(?i)\b(DON'T MISS|URGENT|HURRY)\b`), ""},
		{regexp.MustCompile(`(?i)\b(GUARANTEED|100%|SURE)\s+`), ""},
	}
)

// CleanText runs the ordered normalization pipeline:
// zero-width strip, punctuation collapse, symbol-run collapse, decoration
// unwrap, configured line removal, mention removal, whitespace
// normalization, and the optional neutralization pass.
func (c *Cleaner) CleanText(text string) CleanResult {
	original := text

	if c.cfg.RemoveZeroWidth {
		text = stripZeroWidth(text)
	}
	if c.cfg.CollapsePunctuation {
		text = exclaimRunRe.ReplaceAllString(text, "!")
		text = questionRunRe.ReplaceAllString(text, "?")
		text = dotRunRe.ReplaceAllString(text, "...")
		text = commaRunRe.ReplaceAllString(text, ",")
		text = semiRunRe.ReplaceAllString(text, ";")
	}
	if c.cfg.CollapseSymbolRuns {
		text = collapseSymbolRuns(text)
	}
	if c.cfg.StripDecorations {
		for _, re := range decorationRes {
			text = re.ReplaceAllString(text, "$1")
		}
	}
	if len(c.linePatterns) > 0 {
		text = c.dropMatchedLines(text)
	}
	if c.cfg.RemoveMentions {
		text = mentionRe.ReplaceAllString(text, "")
	}
	text = normalizeWhitespace(text)
	if c.cfg.Neutralize {
		text = neutralize(text)
	}

	reduction := len(original) - len(text)
	if reduction < 0 {
		reduction = 0
	}
	return CleanResult{
		Text:           text,
		Changed:        text != original,
		ReductionBytes: reduction,
	}
}

func stripZeroWidth(text string) string {
	return strings.Map(func(r rune) rune {
		for _, invisible := range invisibleChars {
			if r == invisible {
				return -1
			}
		}
		return r
	}, text)
}

// collapseSymbolRuns reduces runs of the same emoji/symbol cluster to a
// single occurrence. A cluster is a symbol rune plus any variation selector
// or skin-tone modifiers following it.
func collapseSymbolRuns(text string) string {
	runes := []rune(text)
	var b strings.Builder
	b.Grow(len(text))
	var prev []rune
	for i := 0; i < len(runes); {
		r := runes[i]
		if !isSymbolRune(r) {
			b.WriteRune(r)
			prev = nil
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && isSymbolModifier(runes[j]) {
			j++
		}
		cluster := runes[i:j]
		if !runesEqual(cluster, prev) {
			b.WriteString(string(cluster))
			prev = cluster
		}
		i = j
	}
	return b.String()
}

func isSymbolRune(r rune) bool {
	return unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r)
}

func isSymbolModifier(r rune) bool {
	return r == '️' || (r >= 0x1F3FB && r <= 0x1F3FF)
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dropMatchedLines removes every line matching a configured header, footer,
// or attribution pattern.
func (c *Cleaner) dropMatchedLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		matched := false
		if trimmed != "" {
			for _, re := range c.linePatterns {
				if re.MatchString(trimmed) {
					matched = true
					break
				}
			}
		}
		if !matched {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func normalizeWhitespace(text string) string {
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = trailSpaceRe.ReplaceAllString(text, "\n")
	text = newlineRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// neutralize is the best-effort promotional-language pass. It is a known,
// accepted limitation that clearly promotional content can survive it.
func neutralize(text string) string {
	for _, n := range neutralizeRes {
		text = n.re.ReplaceAllString(text, n.repl)
	}
	return normalizeWhitespace(text)
}
