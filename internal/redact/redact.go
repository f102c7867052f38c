// Package redact scrubs secrets from document text before it is chunked,
// embedded or stored.
//
// Detection uses the Gitleaks default ruleset. Each detected secret is
// replaced with [REDACTED:<rule-id>]. An optional TOML allowlist adds
// content regexes that are never redacted:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_[A-Z]+''']
package redact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

var (
	// ErrInvalidTOML indicates the allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")

	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")
)

// Finding is one redacted secret. The secret itself is never retained.
type Finding struct {
	RuleID string
	Line   int
}

// Result is the outcome of Redact.
type Result struct {
	Text     string
	Findings []Finding
}

// Redactor scrubs secrets from text.
type Redactor interface {
	Redact(ctx context.Context, text string) Result
}

// Nop returns text unchanged.
type Nop struct{}

// Redact implements Redactor.
func (Nop) Redact(_ context.Context, text string) Result {
	return Result{Text: text}
}

// Gitleaks is a Redactor backed by the Gitleaks detector.
type Gitleaks struct {
	cfg      gitleaksConfig.Config
	logger   *zap.Logger
	findings metric.Int64Counter
}

// New returns a Gitleaks redactor, or Nop when redaction is disabled.
func New(cfg config.RedactionConfig, logger *zap.Logger) (Redactor, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewGitleaks(cfg.AllowlistPath, logger)
}

// NewGitleaks loads the default ruleset once and merges the allowlist at
// allowlistPath, if any. A missing allowlist file is not an error.
func NewGitleaks(allowlistPath string, logger *zap.Logger) (*Gitleaks, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	cfg := d.Config

	if allowlistPath != "" {
		patterns, err := LoadAllowlist(allowlistPath)
		if err != nil {
			return nil, err
		}
		if len(patterns) > 0 {
			applyAllowlist(&cfg, patterns)
			logger.Info("secret allowlist loaded",
				zap.String("path", allowlistPath),
				zap.Int("patterns", len(patterns)),
			)
		}
	}

	counter, _ := otel.Meter("github.com/fyrsmithlabs/recalld/internal/redact").Int64Counter(
		"recalld.redaction.findings_total",
		metric.WithDescription("Secrets redacted from ingested text, by rule"),
		metric.WithUnit("{secret}"),
	)

	return &Gitleaks{cfg: cfg, logger: logger, findings: counter}, nil
}

// Redact implements Redactor. A fresh detector is built per call from the
// shared ruleset because detectors accumulate findings.
func (g *Gitleaks) Redact(ctx context.Context, text string) Result {
	detector := detect.NewDetector(g.cfg)
	found := detector.DetectString(text)
	if len(found) == 0 {
		return Result{Text: text}
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool {
		return len(found[i].Secret) > len(found[j].Secret)
	})

	out := text
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = strings.ReplaceAll(out, f.Secret, "[REDACTED:"+f.RuleID+"]")
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
		if g.findings != nil {
			g.findings.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", f.RuleID)))
		}
	}

	g.logger.Info("secrets redacted from document text", zap.Int("count", len(findings)))
	return Result{Text: out, Findings: findings}
}

// LoadAllowlist reads content regexes from a TOML file. A missing file
// yields no patterns.
func LoadAllowlist(path string) ([]string, error) {
	var file struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid content pattern '%s' in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return file.Allowlist.Regexes, nil
}

// applyAllowlist appends pre-validated patterns as a global allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, patterns []string) {
	allow := &gitleaksConfig.Allowlist{Description: "recalld allowlist"}
	for _, pattern := range patterns {
		re := regexp.MustCompile(pattern)
		allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, allow)
}
