// Package workflow moves grant applications through the stage pipeline. All
// stage and coarse-status writes go through the Manager so the activity log
// and audit events stay consistent with the stored record.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pinklemonade/internal/checklist"
	"pinklemonade/internal/config"
	"pinklemonade/internal/domain"
	"pinklemonade/internal/events"
	"pinklemonade/internal/repo"
	"pinklemonade/internal/stage"
)

type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Hooks  *HookDispatcher
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Hooks:  NewHookDispatcher(log),
		Log:    log,
		Now:    time.Now,
	}
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// GrantCreateOptions are parameters for creating a grant record.
type GrantCreateOptions struct {
	ID          string
	OrgID       string
	Title       string
	Funder      string
	AmountMin   int64
	AmountMax   int64
	Deadline    string
	Eligibility string
	ActorID     string
}

func (m Manager) CreateGrant(ctx context.Context, opts GrantCreateOptions) (domain.Grant, error) {
	if opts.Title == "" {
		return domain.Grant{}, errors.New("title is required")
	}
	if opts.OrgID == "" {
		return domain.Grant{}, errors.New("org is required")
	}
	if _, err := m.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Grant{}, err
	}
	now := m.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	g := domain.Grant{
		ID:               id,
		OrgID:            opts.OrgID,
		UserID:           opts.ActorID,
		Title:            opts.Title,
		Funder:           opts.Funder,
		AmountMin:        opts.AmountMin,
		AmountMax:        opts.AmountMax,
		Deadline:         optionalString(opts.Deadline),
		Eligibility:      opts.Eligibility,
		ApplicationStage: stage.Discovery,
		Status:           "active",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	g.PriorityLevel = m.priorityFor(g)
	items := checklist.Generate(g.ApplicationStage, g.Funder, m.templateOverrides())
	if err := setChecklist(&g, items); err != nil {
		return g, err
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()

	if err := m.Repo.InsertGrant(ctx, tx, g); err != nil {
		return g, fmt.Errorf("insert grant: %w", err)
	}
	if err := m.Events.Append(ctx, tx, "grant.created", g.OrgID, "grant", g.ID, opts.ActorID, events.EventPayload{
		"title": g.Title, "stage": g.ApplicationStage,
	}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	return g, nil
}

// GrantUpdateOptions carries field updates. Nil pointers leave the field
// untouched; stage and status are not updatable here, only through moves.
type GrantUpdateOptions struct {
	ID          string
	Title       *string
	Funder      *string
	AmountMin   *int64
	AmountMax   *int64
	Deadline    *string
	Eligibility *string
	SubmittedAt *string
	AwardAmount *int64
	ActorID     string
}

func (m Manager) UpdateGrant(ctx context.Context, opts GrantUpdateOptions) (domain.Grant, error) {
	g, err := m.Repo.GetGrant(ctx, opts.ID)
	if err != nil {
		return g, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return g, errors.New("title cannot be empty")
		}
		g.Title = *opts.Title
	}
	if opts.Funder != nil {
		g.Funder = *opts.Funder
	}
	if opts.AmountMin != nil {
		g.AmountMin = *opts.AmountMin
	}
	if opts.AmountMax != nil {
		g.AmountMax = *opts.AmountMax
	}
	if opts.Deadline != nil {
		g.Deadline = optionalString(*opts.Deadline)
	}
	if opts.Eligibility != nil {
		g.Eligibility = *opts.Eligibility
	}
	if opts.SubmittedAt != nil {
		g.SubmittedAt = optionalString(*opts.SubmittedAt)
	}
	if opts.AwardAmount != nil {
		g.AwardAmount = opts.AwardAmount
	}
	g.PriorityLevel = m.priorityFor(g)
	g.UpdatedAt = m.now().UTC().Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateGrant(ctx, tx, g); err != nil {
		return g, err
	}
	if err := m.Events.Append(ctx, tx, "grant.updated", g.OrgID, "grant", g.ID, opts.ActorID, events.EventPayload{
		"title": g.Title,
	}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	return g, nil
}

// MoveOptions are parameters for a single stage move.
type MoveOptions struct {
	GrantID string
	Stage   string
	Notes   string
	ActorID string
	Force   bool
}

// MoveResult reports the applied transition.
type MoveResult struct {
	Grant       domain.Grant
	From        string
	To          string
	Forced      bool
	AutoActions []string
}

// MoveToStage advances a grant to a target stage. Without Force the target
// must be the current stage's successor or declined. Required-field
// validation for the target stage applies even under Force.
func (m Manager) MoveToStage(ctx context.Context, opts MoveOptions) (MoveResult, error) {
	info, ok := stage.Get(opts.Stage)
	if !ok {
		return MoveResult{}, fmt.Errorf("%w: %s", ErrUnknownStage, opts.Stage)
	}
	g, err := m.Repo.GetGrant(ctx, opts.GrantID)
	if err != nil {
		return MoveResult{}, err
	}
	from := g.ApplicationStage
	if from == opts.Stage {
		return MoveResult{}, &TransitionError{From: from, To: opts.Stage}
	}
	if !opts.Force && !stage.Allowed(from, opts.Stage) {
		return MoveResult{}, &TransitionError{From: from, To: opts.Stage}
	}
	if opts.Force {
		m.Log.Warn("forced stage move",
			zap.String("grant_id", g.ID),
			zap.String("from", from),
			zap.String("to", opts.Stage),
			zap.String("actor", opts.ActorID))
	}

	now := m.now().UTC().Format(time.RFC3339)
	// Entering submitted stamps the submission time before validation runs,
	// so the submitted_at requirement checks the record the move produces.
	if opts.Stage == stage.Submitted && (g.SubmittedAt == nil || *g.SubmittedAt == "") {
		g.SubmittedAt = &now
	}
	if ok, missing := stage.Validate(g, opts.Stage); !ok {
		return MoveResult{}, &ValidationError{Stage: opts.Stage, Missing: missing}
	}

	g.ApplicationStage = opts.Stage
	switch opts.Stage {
	case stage.Submitted:
		g.Status = "submitted"
	case stage.Awarded:
		g.Status = "awarded"
	case stage.Declined:
		g.Status = "rejected"
	}
	g.PriorityLevel = m.priorityFor(g)
	g.UpdatedAt = now
	if err := appendActivity(&g, domain.ActivityEntry{
		TS:     now,
		Action: "stage_change",
		From:   from,
		To:     opts.Stage,
		Notes:  opts.Notes,
		Actor:  opts.ActorID,
	}); err != nil {
		return MoveResult{}, err
	}
	if err := mergeStageChecklist(&g, info.Key, m.templateOverrides()); err != nil {
		return MoveResult{}, err
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return MoveResult{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateGrant(ctx, tx, g); err != nil {
		return MoveResult{}, err
	}
	if err := m.Events.Append(ctx, tx, "grant.stage.moved", g.OrgID, "grant", g.ID, opts.ActorID, events.EventPayload{
		"from": from, "to": opts.Stage, "forced": opts.Force,
	}); err != nil {
		return MoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MoveResult{}, err
	}
	if m.Hooks != nil && len(info.AutoActions) > 0 {
		m.Hooks.Dispatch(ctx, info.AutoActions, g)
	}
	return MoveResult{Grant: g, From: from, To: opts.Stage, Forced: opts.Force, AutoActions: info.AutoActions}, nil
}

// BatchFailure records one grant that a batch move could not advance.
type BatchFailure struct {
	GrantID string `json:"grant_id"`
	Reason  string `json:"reason"`
}

// BatchResult summarizes a batch move. len(Moved)+len(Failed) equals the
// number of input ids.
type BatchResult struct {
	Moved  []string       `json:"moved"`
	Failed []BatchFailure `json:"failed"`
}

// BatchMove applies MoveToStage to each grant in its own transaction.
// Failures do not roll back earlier successes.
func (m Manager) BatchMove(ctx context.Context, grantIDs []string, target, notes, actorID string, force bool) (BatchResult, error) {
	if !stage.Valid(target) {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrUnknownStage, target)
	}
	if len(grantIDs) == 0 {
		return BatchResult{}, errors.New("no grant ids given")
	}
	var res BatchResult
	for _, id := range grantIDs {
		_, err := m.MoveToStage(ctx, MoveOptions{
			GrantID: id,
			Stage:   target,
			Notes:   notes,
			ActorID: actorID,
			Force:   force,
		})
		if err != nil {
			res.Failed = append(res.Failed, BatchFailure{GrantID: id, Reason: err.Error()})
			continue
		}
		res.Moved = append(res.Moved, id)
	}
	return res, nil
}

// priorityFor derives the priority level from the days until the deadline.
// Grants whose coarse status is terminal keep a low priority, and so do
// grants with no deadline.
func (m Manager) priorityFor(g domain.Grant) string {
	if g.Status == "awarded" || g.Status == "rejected" {
		return "low"
	}
	if g.Deadline == nil || *g.Deadline == "" {
		return "low"
	}
	deadline, err := parseDate(*g.Deadline)
	if err != nil {
		return "low"
	}
	days := int(deadline.Sub(m.now().UTC()).Hours() / 24)
	switch {
	case days <= 7:
		return "urgent"
	case days <= 30:
		return "high"
	case days <= 90:
		return "medium"
	default:
		return "low"
	}
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (m Manager) templateOverrides() map[string][]checklist.Template {
	if m.Config == nil || len(m.Config.Checklists.Templates) == 0 {
		return nil
	}
	out := make(map[string][]checklist.Template, len(m.Config.Checklists.Templates))
	for key, templates := range m.Config.Checklists.Templates {
		items := make([]checklist.Template, len(templates))
		for i, t := range templates {
			items[i] = checklist.Template{Task: t.Task, Priority: t.Priority}
		}
		out[key] = items
	}
	return out
}

func appendActivity(g *domain.Grant, entry domain.ActivityEntry) error {
	var log []domain.ActivityEntry
	if g.ActivityLogJSON != nil && *g.ActivityLogJSON != "" {
		if err := json.Unmarshal([]byte(*g.ActivityLogJSON), &log); err != nil {
			return fmt.Errorf("activity log: %w", err)
		}
	}
	log = append(log, entry)
	b, err := json.Marshal(log)
	if err != nil {
		return err
	}
	s := string(b)
	g.ActivityLogJSON = &s
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
