package secrets

import (
	"sort"
	"strings"
)

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) *Result
	IsEnabled() bool
}

type scrubber struct {
	config *Config
	leaks  *gitleaksPass
}

// New creates a Scrubber. A nil cfg means DefaultConfig().
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &scrubber{config: cfg}
	if cfg.Enabled && cfg.Gitleaks {
		leaks, err := newGitleaksPass()
		if err != nil {
			return nil, err
		}
		s.leaks = leaks
	}
	return s, nil
}

// MustNew is New that panics on an invalid configuration.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub replaces every secret the rules find with the redaction string.
func (s *scrubber) Scrub(content string) *Result {
	res := &Result{Scrubbed: content}
	if !s.config.Enabled {
		return res
	}

	for _, rule := range s.config.compiledRules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			s.record(res, content, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				Start:       m[0],
				End:         m[1],
			})
		}
	}
	if s.leaks != nil {
		for _, lf := range s.leaks.find(content) {
			s.record(res, content, Finding{
				RuleID:      lf.ruleID,
				Description: lf.description,
				Severity:    "high",
				Start:       lf.start,
				End:         lf.end,
			})
		}
	}

	if len(res.Findings) == 0 {
		return res
	}
	sort.SliceStable(res.Findings, func(i, j int) bool {
		return res.Findings[i].Start < res.Findings[j].Start
	})
	res.Scrubbed = redact(content, res.Findings, s.config.RedactionString)
	return res
}

func (s *scrubber) record(res *Result, content string, f Finding) {
	if s.allowed(content[f.Start:f.End]) {
		return
	}
	f.Line = strings.Count(content[:f.Start], "\n") + 1
	res.Findings = append(res.Findings, f)
}

func (s *scrubber) IsEnabled() bool {
	return s.config.Enabled
}

func (s *scrubber) allowed(match string) bool {
	for _, p := range s.config.compiledAllowList {
		if p.MatchString(match) {
			return true
		}
	}
	return false
}

// redact replaces the union of the finding ranges, which must be sorted by
// Start. Overlapping ranges collapse into one replacement.
func redact(content string, findings []Finding, replacement string) string {
	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for i, f := range findings {
		if i > 0 && f.Start <= pos {
			pos = max(pos, f.End)
			continue
		}
		b.WriteString(content[pos:f.Start])
		b.WriteString(replacement)
		pos = f.End
	}
	b.WriteString(content[pos:])
	return b.String()
}

// NoopScrubber leaves text untouched. Pipelines use it when scrubbing is
// not configured.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) *Result { return &Result{Scrubbed: content} }

func (NoopScrubber) IsEnabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = NoopScrubber{}
)
