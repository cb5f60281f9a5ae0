// Package checklist produces the per-stage task lists seeded onto grants.
// Each grant gets its own mutable copy; templates live here (or in config
// overrides), item keys are stable slugs of the task text.
package checklist

import (
	"strings"

	"pinklemonade/internal/domain"
	"pinklemonade/internal/stage"
)

// Template is one task descriptor before it is instantiated on a grant.
type Template struct {
	Task     string
	Priority string
}

var defaults = map[string][]Template{
	stage.Discovery: {
		{Task: "Review opportunity summary", Priority: "high"},
		{Task: "Confirm mission alignment", Priority: "high"},
		{Task: "Record funder contact details", Priority: "low"},
	},
	stage.Researching: {
		{Task: "Verify eligibility requirements", Priority: "high"},
		{Task: "Review funder giving history", Priority: "medium"},
		{Task: "Check application deadline and cycle", Priority: "high"},
		{Task: "Identify required attachments", Priority: "medium"},
	},
	stage.Planning: {
		{Task: "Draft project outline", Priority: "high"},
		{Task: "Build preliminary budget", Priority: "high"},
		{Task: "Assign proposal owner", Priority: "medium"},
		{Task: "Collect letters of support", Priority: "low"},
	},
	stage.Writing: {
		{Task: "Write need statement", Priority: "high"},
		{Task: "Write project narrative", Priority: "high"},
		{Task: "Finalize budget justification", Priority: "high"},
		{Task: "Draft evaluation plan", Priority: "medium"},
	},
	stage.Review: {
		{Task: "Internal review of full draft", Priority: "high"},
		{Task: "Verify attachments against funder checklist", Priority: "high"},
		{Task: "Executive director sign-off", Priority: "high"},
	},
	stage.Submitted: {
		{Task: "Save submission confirmation", Priority: "high"},
		{Task: "Calendar expected decision date", Priority: "medium"},
		{Task: "Send thank-you note to funder contact", Priority: "low"},
	},
	stage.Awarded: {
		{Task: "Countersign award agreement", Priority: "high"},
		{Task: "Set up restricted fund accounting", Priority: "high"},
		{Task: "Calendar reporting deadlines", Priority: "high"},
	},
	stage.Reporting: {
		{Task: "Collect program outcome data", Priority: "high"},
		{Task: "Submit interim report", Priority: "high"},
		{Task: "Submit final financial report", Priority: "high"},
	},
	stage.Declined: {
		{Task: "Request funder feedback", Priority: "medium"},
		{Task: "Record decline reason", Priority: "low"},
	},
}

// federalExtras are inserted at the head of the researching checklist when
// the funder looks federal; SAM.gov registration gates everything else.
var federalExtras = []Template{
	{Task: "Register in SAM.gov", Priority: "high"},
	{Task: "Obtain UEI number", Priority: "high"},
}

// Generate instantiates the checklist for one stage of a grant. Overrides,
// when non-nil, replace the built-in template for a stage (config-driven).
func Generate(stageKey, funder string, overrides map[string][]Template) []domain.ChecklistItem {
	tmpl, ok := defaults[stageKey]
	if overrides != nil {
		if custom, has := overrides[stageKey]; has {
			tmpl, ok = custom, true
		}
	}
	if !ok {
		return nil
	}
	if stageKey == stage.Researching && isFederal(funder) {
		tmpl = append(append([]Template{}, federalExtras...), tmpl...)
	}
	items := make([]domain.ChecklistItem, 0, len(tmpl))
	for _, t := range tmpl {
		items = append(items, domain.ChecklistItem{
			Key:      Slug(t.Task),
			Task:     t.Task,
			Stage:    stageKey,
			Priority: t.Priority,
		})
	}
	return items
}

func isFederal(funder string) bool {
	return strings.Contains(strings.ToLower(funder), "federal")
}

// Slug derives the stable item key from a task description.
func Slug(task string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(task) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
