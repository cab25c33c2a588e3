package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// DefaultRedaction replaces detected values.
const DefaultRedaction = "[REDACTED]"

// Config configures a Detector.
type Config struct {
	// AllowRegexes are content patterns never reported, e.g. documented
	// example keys.
	AllowRegexes []string `koanf:"allow_regexes"`

	// Redaction replaces secrets in Redact. Empty uses DefaultRedaction.
	Redaction string `koanf:"redaction"`
}

// Finding is a detected secret. The value itself is deliberately absent.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	StartColumn int    `json:"start_column"`
	EndColumn   int    `json:"end_column"`
}

// Result is the outcome of one scan.
type Result struct {
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// HasFindings returns true if any secrets were found.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the matched rule ids, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary returns a one-line description safe to show users.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	return fmt.Sprintf("%d potential secret(s) detected (%s)", len(r.Findings), strings.Join(r.RuleIDs(), ", "))
}

// Detector scans text with the gitleaks default rule set. Building the rule
// set is expensive, so a Detector should be created once and shared.
type Detector struct {
	redaction string

	// gitleaks keeps per-scan state on the detector.
	mu       sync.Mutex
	detector *detect.Detector
}

// NewDetector compiles the gitleaks rules plus cfg's allowlist.
func NewDetector(cfg Config) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}

	if len(cfg.AllowRegexes) > 0 {
		allow := &gitleaksconfig.Allowlist{Description: "orchestrd allowlist"}
		for _, pattern := range cfg.AllowRegexes {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("allowlist pattern %q: %w", pattern, err)
			}
			allow.Regexes = append(allow.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		d.Config.Allowlists = append(d.Config.Allowlists, allow)
	}

	redaction := cfg.Redaction
	if redaction == "" {
		redaction = DefaultRedaction
	}
	return &Detector{redaction: redaction, detector: d}, nil
}

// Scan reports the secrets in content.
func (d *Detector) Scan(content string) *Result {
	res, _ := d.scan(content)
	return res
}

// Redact replaces every detected secret and returns the cleaned text along
// with the scan result.
func (d *Detector) Redact(content string) (string, *Result) {
	res, values := d.scan(content)
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		content = strings.ReplaceAll(content, v, d.redaction)
	}
	return content, res
}

// RedactString is Redact without the scan result.
func (d *Detector) RedactString(content string) string {
	cleaned, _ := d.Redact(content)
	return cleaned
}

func (d *Detector) scan(content string) (*Result, []string) {
	d.mu.Lock()
	found := d.detector.DetectString(content)
	d.mu.Unlock()

	res := &Result{ByRule: make(map[string]int)}
	seen := make(map[string]bool)
	var values []string
	for _, f := range found {
		res.Findings = append(res.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartColumn: f.StartColumn,
			EndColumn:   f.EndColumn,
		})
		res.ByRule[f.RuleID]++
		if f.Secret != "" && !seen[f.Secret] {
			seen[f.Secret] = true
			values = append(values, f.Secret)
		}
	}
	sort.SliceStable(res.Findings, func(i, j int) bool {
		return res.Findings[i].Line < res.Findings[j].Line
	})
	return res, values
}
