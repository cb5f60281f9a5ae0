package domain

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Mission   string `json:"mission,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Grant is one application record moving through the stage pipeline.
// Checklist and activity log are stored as JSON text columns; the
// workflow package owns encoding and decoding.
type Grant struct {
	ID               string  `json:"id"`
	OrgID            string  `json:"org_id"`
	UserID           string  `json:"user_id,omitempty"`
	Title            string  `json:"title"`
	Funder           string  `json:"funder"`
	AmountMin        int64   `json:"amount_min_cents"`
	AmountMax        int64   `json:"amount_max_cents"`
	Deadline         *string `json:"deadline,omitempty" format:"date-time"`
	Eligibility      string  `json:"eligibility,omitempty"`
	ApplicationStage string  `json:"application_stage"`
	Status           string  `json:"status" enum:"active,submitted,awarded,rejected"`
	PriorityLevel    string  `json:"priority_level" enum:"urgent,high,medium,low"`
	SubmittedAt      *string `json:"submitted_at,omitempty" format:"date-time"`
	AwardAmount      *int64  `json:"award_amount_cents,omitempty"`
	ChecklistJSON    *string `json:"checklist_json,omitempty"`
	ActivityLogJSON  *string `json:"activity_log_json,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// ChecklistItem is addressed by its stable Key, never by position.
type ChecklistItem struct {
	Key       string `json:"key"`
	Task      string `json:"task"`
	Stage     string `json:"stage"`
	Priority  string `json:"priority"`
	Completed bool   `json:"completed"`
}

// ActivityEntry is one row of a grant's append-only activity log.
type ActivityEntry struct {
	TS     string `json:"ts" format:"date-time"`
	Action string `json:"action"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Notes  string `json:"notes,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
