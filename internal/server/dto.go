package server

import (
	"encoding/json"

	"pinklemonade/internal/domain"
	"pinklemonade/internal/workflow"
)

type CreateGrantRequest struct {
	ID          *string `json:"id,omitempty"`
	OrgID       string  `json:"org_id"`
	Title       string  `json:"title"`
	Funder      string  `json:"funder,omitempty"`
	AmountMin   int64   `json:"amount_min_cents,omitempty"`
	AmountMax   int64   `json:"amount_max_cents,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
	Eligibility *string `json:"eligibility,omitempty"`
}

type UpdateGrantRequest struct {
	Title       *string `json:"title,omitempty"`
	Funder      *string `json:"funder,omitempty"`
	AmountMin   *int64  `json:"amount_min_cents,omitempty"`
	AmountMax   *int64  `json:"amount_max_cents,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
	Eligibility *string `json:"eligibility,omitempty"`
	SubmittedAt *string `json:"submitted_at,omitempty"`
	AwardAmount *int64  `json:"award_amount_cents,omitempty"`
}

type MoveGrantRequest struct {
	Stage string `json:"stage"`
	Notes string `json:"notes,omitempty"`
}

type BatchMoveRequest struct {
	GrantIDs []string `json:"grant_ids"`
	Stage    string   `json:"stage"`
	Notes    string   `json:"notes,omitempty"`
}

type UpdateChecklistItemRequest struct {
	Completed bool `json:"completed"`
}

type GrantResponse struct {
	ID               string                 `json:"id"`
	OrgID            string                 `json:"org_id"`
	UserID           string                 `json:"user_id,omitempty"`
	Title            string                 `json:"title"`
	Funder           string                 `json:"funder,omitempty"`
	AmountMin        int64                  `json:"amount_min_cents,omitempty"`
	AmountMax        int64                  `json:"amount_max_cents,omitempty"`
	Deadline         *string                `json:"deadline,omitempty"`
	Eligibility      string                 `json:"eligibility,omitempty"`
	ApplicationStage string                 `json:"application_stage"`
	Status           string                 `json:"status"`
	PriorityLevel    string                 `json:"priority_level"`
	SubmittedAt      *string                `json:"submitted_at,omitempty"`
	AwardAmount      *int64                 `json:"award_amount_cents,omitempty"`
	Checklist        []domain.ChecklistItem `json:"checklist,omitempty"`
	ActivityLog      []domain.ActivityEntry `json:"activity_log,omitempty"`
	CreatedAt        string                 `json:"created_at"`
	UpdatedAt        string                 `json:"updated_at"`
}

type MoveResponse struct {
	Grant       GrantResponse `json:"grant"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Forced      bool          `json:"forced"`
	AutoActions []string      `json:"auto_actions,omitempty"`
}

type paginatedGrants struct {
	Items      []GrantResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func grantResponse(g domain.Grant) GrantResponse {
	resp := GrantResponse{
		ID:               g.ID,
		OrgID:            g.OrgID,
		UserID:           g.UserID,
		Title:            g.Title,
		Funder:           g.Funder,
		AmountMin:        g.AmountMin,
		AmountMax:        g.AmountMax,
		Deadline:         g.Deadline,
		Eligibility:      g.Eligibility,
		ApplicationStage: g.ApplicationStage,
		Status:           g.Status,
		PriorityLevel:    g.PriorityLevel,
		SubmittedAt:      g.SubmittedAt,
		AwardAmount:      g.AwardAmount,
		CreatedAt:        g.CreatedAt,
		UpdatedAt:        g.UpdatedAt,
	}
	if g.ChecklistJSON != nil && *g.ChecklistJSON != "" {
		_ = json.Unmarshal([]byte(*g.ChecklistJSON), &resp.Checklist)
	}
	if g.ActivityLogJSON != nil && *g.ActivityLogJSON != "" {
		_ = json.Unmarshal([]byte(*g.ActivityLogJSON), &resp.ActivityLog)
	}
	return resp
}

func mapGrants(items []domain.Grant) []GrantResponse {
	out := make([]GrantResponse, 0, len(items))
	for _, g := range items {
		out = append(out, grantResponse(g))
	}
	return out
}

func moveResponse(res workflow.MoveResult) MoveResponse {
	return MoveResponse{
		Grant:       grantResponse(res.Grant),
		From:        res.From,
		To:          res.To,
		Forced:      res.Forced,
		AutoActions: res.AutoActions,
	}
}
