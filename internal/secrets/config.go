package secrets

import (
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

const defaultRedaction = "[REDACTED]"

// Config configures a Scrubber. Validate compiles the rules.
type Config struct {
	Enabled         bool
	Rules           []Rule
	RedactionString string
	// AllowList patterns exempt a match from redaction.
	AllowList []string
	// Gitleaks adds the gitleaks default rule set as a second pass.
	Gitleaks bool

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule is one regex detection rule. Keyword-gated rules run only when one
// of their keywords appears (case-insensitive) in the text.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	Keywords    []string
	Severity    string
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// applies reports whether content contains one of the rule's keywords.
// Rules without keywords always apply.
func (r *compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// DefaultConfig enables the built-in rules without the gitleaks pass.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: defaultRedaction,
		Rules:           DefaultRules(),
	}
}

// FromSettings builds a scrubber Config from the application config.
func FromSettings(s config.SecretsConfig) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = s.Enabled
	cfg.Gitleaks = s.Gitleaks
	return cfg
}

// Validate compiles the rules and allow list. A disabled config is always
// valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RedactionString == "" {
		c.RedactionString = defaultRedaction
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil || rule.Pattern == "" {
			return fmt.Errorf("rule %s: invalid pattern %q", rule.ID, rule.Pattern)
		}
		cr := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, cr)
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("allow_list %d: %w", i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, re)
	}
	return nil
}
