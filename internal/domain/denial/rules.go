// Package denial recommends next steps for denied claims from a table of
// known payer adjustment codes, one claim at a time or in background
// batches.
package denial

import (
	"strings"

	"github.com/rcm/rcm/internal/domain/claims"
)

// DefaultConfidence is reported for every rule-based recommendation.
const DefaultConfidence = 0.7

// Result is the recommendation for one denial code.
type Result struct {
	DenialCode            string          `json:"denialCode"`
	Reason                string          `json:"reason"`
	RecommendedAction     string          `json:"recommendedAction"`
	Priority              claims.Priority `json:"priority"`
	Confidence            float64         `json:"confidence"`
	RequiredDocumentation []string        `json:"requiredDocumentation"`
	AppealStrategy        string          `json:"appealStrategy"`
}

type rule struct {
	reason string
	action string
	prio   claims.Priority
	docs   []string
}

var rules = map[string]rule{
	"CO-45": {
		reason: "Charge exceeds fee schedule/maximum allowable",
		action: "Verify contracted rates and appeal with documentation",
		prio:   claims.PriorityMedium,
		docs:   []string{"Contract terms", "Fee schedule"},
	},
	"CO-16": {
		reason: "Claim lacks required information or documentation",
		action: "Gather medical records and supporting documentation, then resubmit",
		prio:   claims.PriorityHigh,
		docs:   []string{"Medical records", "Physician notes", "Test results"},
	},
	"CO-22": {
		reason: "Duplicate claim submission",
		action: "Verify if claim was previously processed and void duplicate",
		prio:   claims.PriorityHigh,
		docs:   []string{"Previous claim confirmation"},
	},
	"PR-1": {
		reason: "Deductible amount - patient responsibility",
		action: "Bill patient for deductible amount",
		prio:   claims.PriorityLow,
		docs:   []string{"EOB", "Patient statement"},
	},
}

var fallback = rule{
	reason: "Denial requires manual review",
	action: "Review EOB and payer policy, contact payer if needed",
	prio:   claims.PriorityMedium,
	docs:   []string{"EOB", "Claim details"},
}

// NormalizeCode upper-cases and trims a denial code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Evaluate looks code up in the rule table. Unknown and empty codes get the
// manual-review recommendation.
func Evaluate(code string) Result {
	code = NormalizeCode(code)
	r, ok := rules[code]
	if !ok {
		r = fallback
	}
	docs := make([]string, len(r.docs))
	copy(docs, r.docs)
	return Result{
		DenialCode:            code,
		Reason:                r.reason,
		RecommendedAction:     r.action,
		Priority:              r.prio,
		Confidence:            DefaultConfidence,
		RequiredDocumentation: docs,
		AppealStrategy:        "Follow standard appeal process per payer guidelines",
	}
}
