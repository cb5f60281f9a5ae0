package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pinklemonade/internal/checklist"
	"pinklemonade/internal/domain"
	"pinklemonade/internal/events"
	"pinklemonade/internal/repo"
)

// ChecklistStatus is the checklist view for one grant. ReadyToAdvance is
// informational; moves never require it.
type ChecklistStatus struct {
	GrantID        string                 `json:"grant_id"`
	Stage          string                 `json:"stage"`
	Items          []domain.ChecklistItem `json:"items"`
	CompletedCount int                    `json:"completed_count"`
	CompletionRate float64                `json:"completion_rate"`
	ReadyToAdvance bool                   `json:"ready_to_advance"`
}

// StageChecklist returns the grant's checklist, seeding it from the
// generator on first read and persisting the seeded items.
func (m Manager) StageChecklist(ctx context.Context, grantID string) (ChecklistStatus, error) {
	g, err := m.Repo.GetGrant(ctx, grantID)
	if err != nil {
		return ChecklistStatus{}, err
	}
	items, err := decodeChecklist(g)
	if err != nil {
		return ChecklistStatus{}, err
	}
	if len(items) == 0 {
		items = checklist.Generate(g.ApplicationStage, g.Funder, m.templateOverrides())
		if err := setChecklist(&g, items); err != nil {
			return ChecklistStatus{}, err
		}
		g.UpdatedAt = m.now().UTC().Format(time.RFC3339)
		tx, err := m.DB.BeginTx(ctx, nil)
		if err != nil {
			return ChecklistStatus{}, err
		}
		defer tx.Rollback()
		if err := m.Repo.UpdateGrant(ctx, tx, g); err != nil {
			return ChecklistStatus{}, err
		}
		if err := tx.Commit(); err != nil {
			return ChecklistStatus{}, err
		}
	}
	return checklistStatus(g, items), nil
}

// UpdateChecklistItem sets the completed flag of one item, addressed by its
// stable key. The grant is read and rewritten inside one transaction so a
// concurrent toggle cannot clobber the other's item.
func (m Manager) UpdateChecklistItem(ctx context.Context, grantID, itemKey string, completed bool, actorID string) (ChecklistStatus, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return ChecklistStatus{}, err
	}
	defer tx.Rollback()
	g, err := m.Repo.GetGrantTx(ctx, tx, grantID)
	if err != nil {
		return ChecklistStatus{}, err
	}
	items, err := decodeChecklist(g)
	if err != nil {
		return ChecklistStatus{}, err
	}
	if len(items) == 0 {
		items = checklist.Generate(g.ApplicationStage, g.Funder, m.templateOverrides())
	}
	found := false
	for i := range items {
		if items[i].Key == itemKey {
			items[i].Completed = completed
			found = true
			break
		}
	}
	if !found {
		return ChecklistStatus{}, fmt.Errorf("checklist item %s: %w", itemKey, repo.ErrNotFound)
	}
	if err := setChecklist(&g, items); err != nil {
		return ChecklistStatus{}, err
	}
	g.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.UpdateGrant(ctx, tx, g); err != nil {
		return ChecklistStatus{}, err
	}
	if err := m.Events.Append(ctx, tx, "grant.checklist.updated", g.OrgID, "grant", g.ID, actorID, events.EventPayload{
		"item": itemKey, "completed": completed,
	}); err != nil {
		return ChecklistStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChecklistStatus{}, err
	}
	return checklistStatus(g, items), nil
}

func checklistStatus(g domain.Grant, items []domain.ChecklistItem) ChecklistStatus {
	done := 0
	for _, item := range items {
		if item.Completed {
			done++
		}
	}
	rate := 0.0
	if len(items) > 0 {
		rate = float64(done) / float64(len(items))
	}
	return ChecklistStatus{
		GrantID:        g.ID,
		Stage:          g.ApplicationStage,
		Items:          items,
		CompletedCount: done,
		CompletionRate: rate,
		ReadyToAdvance: rate >= 0.8,
	}
}

func decodeChecklist(g domain.Grant) ([]domain.ChecklistItem, error) {
	if g.ChecklistJSON == nil || *g.ChecklistJSON == "" {
		return nil, nil
	}
	var items []domain.ChecklistItem
	if err := json.Unmarshal([]byte(*g.ChecklistJSON), &items); err != nil {
		return nil, fmt.Errorf("checklist: %w", err)
	}
	return items, nil
}

func setChecklist(g *domain.Grant, items []domain.ChecklistItem) error {
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	s := string(b)
	g.ChecklistJSON = &s
	return nil
}

// mergeStageChecklist appends the target stage's generated items that the
// grant does not already carry. Existing items keep their completed state.
func mergeStageChecklist(g *domain.Grant, stageKey string, overrides map[string][]checklist.Template) error {
	items, err := decodeChecklist(*g)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		seen[item.Key] = true
	}
	for _, item := range checklist.Generate(stageKey, g.Funder, overrides) {
		if !seen[item.Key] {
			items = append(items, item)
		}
	}
	return setChecklist(g, items)
}
