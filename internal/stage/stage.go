// Package stage holds the canonical registry of application stages and the
// per-stage entry validators. The registry is pure data; nothing here touches
// the database.
package stage

import (
	"sort"

	"pinklemonade/internal/domain"
)

const (
	Discovery   = "discovery"
	Researching = "researching"
	Planning    = "planning"
	Writing     = "writing"
	Review      = "review"
	Submitted   = "submitted"
	Awarded     = "awarded"
	Reporting   = "reporting"
	Declined    = "declined"
)

// Info describes one stage. Next is empty for terminal stages. AutoActions
// are symbolic action names dispatched through the workflow hook dispatcher
// on stage entry. RequiredFields name grant attributes that must be
// populated before a grant may enter the stage.
type Info struct {
	Key            string   `json:"key"`
	Order          int      `json:"order"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Color          string   `json:"color"`
	Icon           string   `json:"icon"`
	Next           string   `json:"next,omitempty"`
	AutoActions    []string `json:"auto_actions,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty"`
	TypicalDays    int      `json:"typical_days"`
}

var registry = map[string]Info{
	Discovery: {
		Key: Discovery, Order: 1, Name: "Discovery",
		Description: "Opportunity identified and saved",
		Color:       "#f783ac", Icon: "search",
		Next:        Researching,
		TypicalDays: 3,
	},
	Researching: {
		Key: Researching, Order: 2, Name: "Researching",
		Description: "Verifying fit, eligibility, and funder priorities",
		Color:       "#ffa94d", Icon: "book",
		Next:           Planning,
		AutoActions:    []string{"calculate_match_score"},
		RequiredFields: []string{"eligibility"},
		TypicalDays:    7,
	},
	Planning: {
		Key: Planning, Order: 3, Name: "Planning",
		Description: "Outlining the proposal and assembling requirements",
		Color:       "#ffd43b", Icon: "clipboard",
		Next:           Writing,
		AutoActions:    []string{"schedule_reminder"},
		RequiredFields: []string{"deadline"},
		TypicalDays:    7,
	},
	Writing: {
		Key: Writing, Order: 4, Name: "Writing",
		Description: "Drafting the proposal narrative and budget",
		Color:       "#69db7c", Icon: "pencil",
		Next:        Review,
		TypicalDays: 14,
	},
	Review: {
		Key: Review, Order: 5, Name: "Review",
		Description: "Internal review and sign-off before submission",
		Color:       "#4dabf7", Icon: "eye",
		Next:        Submitted,
		TypicalDays: 5,
	},
	Submitted: {
		Key: Submitted, Order: 6, Name: "Submitted",
		Description: "Application delivered to the funder",
		Color:       "#9775fa", Icon: "send",
		Next:           Awarded,
		AutoActions:    []string{"notify_team"},
		RequiredFields: []string{"submitted_at"},
		TypicalDays:    60,
	},
	Awarded: {
		Key: Awarded, Order: 7, Name: "Awarded",
		Description: "Funding received; grant is active",
		Color:       "#38d9a9", Icon: "award",
		Next:           Reporting,
		AutoActions:    []string{"generate_report_templates", "notify_team"},
		RequiredFields: []string{"award_amount"},
		TypicalDays:    365,
	},
	Reporting: {
		Key: Reporting, Order: 8, Name: "Reporting",
		Description: "Post-award reporting and compliance",
		Color:       "#74c0fc", Icon: "file-text",
		TypicalDays: 365,
	},
	Declined: {
		Key: Declined, Order: 9, Name: "Declined",
		Description: "Funder declined the application",
		Color:       "#adb5bd", Icon: "x-circle",
		AutoActions: []string{"notify_team"},
		TypicalDays: 0,
	},
}

// Get returns the descriptor for key.
func Get(key string) (Info, bool) {
	info, ok := registry[key]
	return info, ok
}

// Valid reports whether key names a registered stage.
func Valid(key string) bool {
	_, ok := registry[key]
	return ok
}

// Terminal reports whether key has no successor.
func Terminal(key string) bool {
	info, ok := registry[key]
	return ok && info.Next == ""
}

// All returns every stage descriptor sorted by pipeline order.
func All() []Info {
	out := make([]Info, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Keys returns the stage keys in pipeline order.
func Keys() []string {
	all := All()
	keys := make([]string, len(all))
	for i, info := range all {
		keys[i] = info.Key
	}
	return keys
}

// ReachableFrom lists the stages a grant in `from` may move to without
// forcing: the registered successor plus declined (reachable from every
// non-terminal stage).
func ReachableFrom(from string) []string {
	info, ok := registry[from]
	if !ok || info.Next == "" {
		return nil
	}
	return []string{info.Next, Declined}
}

// Allowed reports whether from -> to is an unforced transition.
func Allowed(from, to string) bool {
	for _, key := range ReachableFrom(from) {
		if key == to {
			return true
		}
	}
	return false
}

// Validate checks the target stage's entry requirements against the grant.
// It returns the missing field names in registry order; an empty list means
// the grant may enter the stage.
func Validate(g domain.Grant, target string) (bool, []string) {
	info, ok := registry[target]
	if !ok {
		return false, nil
	}
	var missing []string
	for _, field := range info.RequiredFields {
		if !fieldPopulated(g, field) {
			missing = append(missing, field)
		}
	}
	return len(missing) == 0, missing
}

func fieldPopulated(g domain.Grant, field string) bool {
	switch field {
	case "eligibility":
		return g.Eligibility != ""
	case "deadline":
		return g.Deadline != nil && *g.Deadline != ""
	case "submitted_at":
		return g.SubmittedAt != nil && *g.SubmittedAt != ""
	case "award_amount":
		return g.AwardAmount != nil && *g.AwardAmount > 0
	default:
		return false
	}
}
