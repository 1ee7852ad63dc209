package fixer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/learning"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/pkg/models"
)

// Diagnoser is the external AI diagnosis collaborator. It returns the
// raw text of a diagnosis in the fixed line protocol parsed below.
type Diagnoser interface {
	Diagnose(ctx context.Context, issue models.Issue, errorPattern string) (string, error)
}

// fallbackConfidence is assigned when a response does not follow the
// protocol at all.
const fallbackConfidence = 0.3

var (
	confidenceRe = regexp.MustCompile(`(?i)^CONFIDENCE:\s*(\d+)\s*%`)
	fixRe        = regexp.MustCompile(`(?i)^FIX_(\d+):\s*(.+)$`)
)

// ParseDiagnosis decodes the diagnosis line protocol:
//
//	DIAGNOSIS: <one line of text>
//	CONFIDENCE: <N>%
//	FIX_1: <strategy> | <description> | <commands>
//	FIX_2: ...
//
// A response with no DIAGNOSIS line is kept verbatim at the fallback
// confidence, with no suggestions.
func ParseDiagnosis(raw string) models.Diagnosis {
	d := models.Diagnosis{Confidence: fallbackConfidence}
	parsed := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToUpper(line), "DIAGNOSIS:"):
			d.Diagnosis = strings.TrimSpace(line[len("DIAGNOSIS:"):])
			parsed = true
		case confidenceRe.MatchString(line):
			m := confidenceRe.FindStringSubmatch(line)
			pct, _ := strconv.Atoi(m[1])
			if pct > 100 {
				pct = 100
			}
			d.Confidence = float64(pct) / 100
		case fixRe.MatchString(line):
			m := fixRe.FindStringSubmatch(line)
			priority, _ := strconv.Atoi(m[1])
			parts := strings.SplitN(m[2], "|", 3)
			fix := models.SuggestedFix{
				Strategy: strings.TrimSpace(parts[0]),
				Priority: priority,
			}
			if len(parts) > 1 {
				fix.Description = strings.TrimSpace(parts[1])
			}
			if len(parts) > 2 {
				fix.Commands = strings.TrimSpace(parts[2])
			}
			d.SuggestedFixes = append(d.SuggestedFixes, fix)
		}
	}
	if !parsed {
		d = models.Diagnosis{
			Diagnosis:  strings.TrimSpace(raw),
			Confidence: fallbackConfidence,
		}
	}
	return d
}

// restartLike reports whether a suggested strategy boils down to a
// restart the platform can perform itself.
func restartLike(strategy string) bool {
	s := strings.ToLower(strategy)
	return strings.Contains(s, "restart") || strings.Contains(s, "reboot")
}

// runResearch is the research_based_fix strategy: cached diagnosis by
// error signature, AI collaborator on a miss, then either an actual
// restart or a described suggestion.
func (f *Fixer) runResearch(ctx context.Context, issue models.Issue, errorPattern string) models.FixResult {
	start := time.Now()
	signature := learning.ErrorSignature(string(issue.Type), errorPattern)

	var diag models.Diagnosis
	if entry, ok, err := f.learning.GetCachedResearch(ctx, signature); err != nil {
		log.Warn().Err(err).Str("signature", signature).Msg("diagnosis cache lookup failed")
	} else if ok {
		diag = entry.Diagnosis
	} else {
		fresh, err := f.diagnose(ctx, issue, errorPattern)
		if err != nil {
			return result(StrategyResearchBasedFix, start, false, "diagnosis unavailable: %v", err)
		}
		diag = fresh
		if err := f.learning.CacheResearch(ctx, signature, diag); err != nil {
			log.Warn().Err(err).Str("signature", signature).Msg("diagnosis cache store failed")
		}
	}

	if len(diag.SuggestedFixes) > 0 {
		top := diag.SuggestedFixes[0]
		if restartLike(top.Strategy) {
			res := f.registry[StrategyBasicRestart].Execute(ctx, issue)
			res.Strategy = StrategyResearchBasedFix
			res.Message = fmt.Sprintf("diagnosis %q (%.0f%%): %s", diag.Diagnosis, diag.Confidence*100, res.Message)
			res.Duration = time.Since(start)
			return res
		}
		return result(StrategyResearchBasedFix, start, false,
			"diagnosis %q (%.0f%%); suggested: %s: %s", diag.Diagnosis, diag.Confidence*100, top.Strategy, top.Description)
	}
	return result(StrategyResearchBasedFix, start, false,
		"diagnosis %q (%.0f%%); no actionable suggestion", diag.Diagnosis, diag.Confidence*100)
}

// diagnose calls the AI collaborator under its breaker and timeout.
func (f *Fixer) diagnose(ctx context.Context, issue models.Issue, errorPattern string) (models.Diagnosis, error) {
	if f.diagnoser == nil {
		return models.Diagnosis{}, fmt.Errorf("no diagnosis collaborator configured")
	}
	breaker := f.breakers.Get("claude_ai", resilience.AIBreaker)

	var raw string
	err := breaker.Do(ctx, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, f.cfg.AITimeout)
		defer cancel()
		var err error
		raw, err = f.diagnoser.Diagnose(dctx, issue, errorPattern)
		return err
	})
	if err != nil {
		return models.Diagnosis{}, err
	}
	return ParseDiagnosis(raw), nil
}
