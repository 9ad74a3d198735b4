package secrets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksPass runs the gitleaks default rules over text and reports the
// byte ranges of each detected secret.
type gitleaksPass struct {
	mu       sync.Mutex
	detector *detect.Detector
}

type leakFinding struct {
	start, end  int
	ruleID      string
	description string
}

func newGitleaksPass() (*gitleaksPass, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	return &gitleaksPass{detector: d}, nil
}

// find locates every occurrence of each detected secret value.
func (g *gitleaksPass) find(content string) []leakFinding {
	g.mu.Lock()
	findings := g.detector.DetectString(content)
	g.mu.Unlock()

	out := make([]leakFinding, 0, len(findings))
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		for offset := 0; offset < len(content); {
			i := strings.Index(content[offset:], f.Secret)
			if i < 0 {
				break
			}
			start := offset + i
			end := start + len(f.Secret)
			out = append(out, leakFinding{
				start:       start,
				end:         end,
				ruleID:      "gitleaks:" + f.RuleID,
				description: f.Description,
			})
			offset = end
		}
	}
	return out
}
