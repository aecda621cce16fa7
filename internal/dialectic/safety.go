package dialectic

import (
	"regexp"
	"strconv"
	"strings"

	"vigil/internal/types"
)

// forbiddenPatterns are substrings no resume condition may contain. The check
// is conservative on purpose: a condition that merely talks about disabling
// something is rejected rather than parsed for intent.
var forbiddenPatterns = []string{
	"disable",
	"bypass",
	"ignore safety",
	"remove monitoring",
	"skip governance",
	"override limits",
}

// maxProposedRiskThreshold caps any numeric risk threshold a condition may
// propose. Above this the breaker would effectively never fire again.
const maxProposedRiskThreshold = 0.90

// riskNumberPattern finds numeric values in conditions that mention risk,
// e.g. "raise risk threshold to 0.95".
var riskNumberPattern = regexp.MustCompile(`(?i)risk[^0-9]{0,40}([0-9]*\.?[0-9]+)`)

// CheckConditions runs the hard-limits safety check over proposed resume
// conditions. It returns nil when every condition is acceptable, or an
// UnsafeConditions error naming the first violation.
func CheckConditions(conditions []string) error {
	for _, cond := range conditions {
		lower := strings.ToLower(cond)
		for _, pat := range forbiddenPatterns {
			if strings.Contains(lower, pat) {
				return types.E(types.KindUnsafeConditions,
					"condition %q matches forbidden pattern %q", cond, pat)
			}
		}
		for _, match := range riskNumberPattern.FindAllStringSubmatch(cond, -1) {
			v, err := strconv.ParseFloat(match[1], 64)
			if err != nil {
				continue
			}
			if v > maxProposedRiskThreshold && v <= 1.0 {
				return types.E(types.KindUnsafeConditions,
					"condition %q proposes a risk threshold of %.2f, above the %.2f ceiling",
					cond, v, maxProposedRiskThreshold)
			}
		}
	}
	return nil
}
