package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"pinklemonade/internal/config"
	"pinklemonade/internal/db"
	"pinklemonade/internal/domain"
	"pinklemonade/internal/migrate"
	"pinklemonade/internal/repo"
	"pinklemonade/internal/stage"
	"pinklemonade/internal/workflow"
)

type testEnv struct {
	Manager workflow.Manager
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	mgr := workflow.New(conn, cfg, zap.NewNop())
	mgr.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := mgr.Repo.InsertOrg(ctx, domain.Org{ID: "org-1", Name: "Test Org", Status: "active", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	if err := mgr.Repo.UpsertOrgConfig(ctx, "org-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Manager: mgr, Ctx: ctx}
}

func mustGrant(t *testing.T, env testEnv, opts workflow.GrantCreateOptions) domain.Grant {
	t.Helper()
	if opts.OrgID == "" {
		opts.OrgID = "org-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	g, err := env.Manager.CreateGrant(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	return g
}

func TestMoveFollowsStageChain(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Youth program", Funder: "Acme Foundation", Eligibility: "501c3 in good standing"})

	res, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Researching, ActorID: "tester"})
	if err != nil {
		t.Fatalf("to researching: %v", err)
	}
	if res.Grant.ApplicationStage != stage.Researching || res.From != stage.Discovery {
		t.Fatalf("unexpected result %+v", res)
	}

	// skipping ahead without force is a transition error
	_, err = env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Writing, ActorID: "tester"})
	var te *workflow.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}

	// declined is reachable from any non-terminal stage
	res, err = env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Declined, ActorID: "tester"})
	if err != nil {
		t.Fatalf("to declined: %v", err)
	}
	if res.Grant.Status != "rejected" {
		t.Fatalf("expected rejected status, got %s", res.Grant.Status)
	}
}

func TestMoveValidationBlocksEntry(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "No eligibility yet"})

	_, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Researching, ActorID: "tester"})
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ve.Missing) != 1 || ve.Missing[0] != "eligibility" {
		t.Fatalf("unexpected missing list %v", ve.Missing)
	}
	// a failed move mutates nothing
	stored, err := env.Manager.Repo.GetGrant(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ApplicationStage != stage.Discovery {
		t.Fatalf("grant moved despite validation failure: %s", stored.ApplicationStage)
	}
}

func TestForceSkipsOrderButNotValidation(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Straight to awarded"})

	// award_amount is required even when forcing
	_, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Awarded, ActorID: "tester", Force: true})
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error under force, got %v", err)
	}

	amount := int64(2500000)
	if _, err := env.Manager.UpdateGrant(env.Ctx, workflow.GrantUpdateOptions{ID: g.ID, AwardAmount: &amount, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Awarded, ActorID: "tester", Force: true})
	if err != nil {
		t.Fatalf("forced move: %v", err)
	}
	if !res.Forced || res.Grant.Status != "awarded" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmittedStampsSubmissionTime(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Submit me", Eligibility: "eligible", Deadline: "2026-03-01"})
	for _, key := range []string{stage.Researching, stage.Planning, stage.Writing, stage.Review} {
		if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: key, ActorID: "tester"}); err != nil {
			t.Fatalf("to %s: %v", key, err)
		}
	}
	res, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Submitted, ActorID: "tester"})
	if err != nil {
		t.Fatalf("to submitted: %v", err)
	}
	if res.Grant.SubmittedAt == nil || *res.Grant.SubmittedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("submitted_at not stamped: %+v", res.Grant.SubmittedAt)
	}
	if res.Grant.Status != "submitted" {
		t.Fatalf("status not mapped: %s", res.Grant.Status)
	}
}

func TestMoveAppendsActivityEntry(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Audited", Eligibility: "eligible"})
	res, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Researching, Notes: "looks promising", ActorID: "dev-lead"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Grant.ActivityLogJSON == nil {
		t.Fatal("expected activity log")
	}
	var entries []domain.ActivityEntry
	if err := json.Unmarshal([]byte(*res.Grant.ActivityLogJSON), &entries); err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Action != "stage_change" || last.From != stage.Discovery || last.To != stage.Researching || last.Notes != "looks promising" || last.Actor != "dev-lead" {
		t.Fatalf("unexpected entry %+v", last)
	}

	var evCount int
	row := env.Manager.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='grant.stage.moved' AND entity_id=?`, g.ID)
	if err := row.Scan(&evCount); err != nil || evCount != 1 {
		t.Fatalf("expected one move event, got %d (%v)", evCount, err)
	}
}

func TestBatchMoveBestEffort(t *testing.T) {
	env := newTestEnv(t)
	ok := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Eligible", Eligibility: "501c3"})
	blocked := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Not vetted"})

	res, err := env.Manager.BatchMove(env.Ctx, []string{ok.ID, blocked.ID, "missing-id"}, stage.Researching, "", "tester", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Moved)+len(res.Failed) != 3 {
		t.Fatalf("result does not cover all inputs: %+v", res)
	}
	if len(res.Moved) != 1 || res.Moved[0] != ok.ID {
		t.Fatalf("unexpected moved set %v", res.Moved)
	}
	// the successful move sticks even though others failed
	stored, _ := env.Manager.Repo.GetGrant(env.Ctx, ok.ID)
	if stored.ApplicationStage != stage.Researching {
		t.Fatalf("moved grant not persisted: %s", stored.ApplicationStage)
	}
}

func TestEventLogRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Audited", Eligibility: "eligible"})
	if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Researching, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	latest, err := env.Manager.Repo.LatestEvents(env.Ctx, "org-1", 10)
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 events, got %d", len(latest))
	}
	// newest first
	if latest[0].Type != "grant.stage.moved" || latest[1].Type != "grant.created" {
		t.Fatalf("unexpected event order: %s, %s", latest[0].Type, latest[1].Type)
	}
	if latest[0].EntityID != g.ID || latest[0].ActorID != "tester" {
		t.Fatalf("unexpected event row: %+v", latest[0])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(latest[0].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["from"] != stage.Discovery || payload["to"] != stage.Researching {
		t.Fatalf("unexpected payload: %v", payload)
	}

	// the dispatcher cursor walk reads oldest first
	after, err := env.Manager.Repo.EventsAfter(env.Ctx, 0, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].Type != "grant.created" {
		t.Fatalf("unexpected cursor walk: %+v", after)
	}
	rest, err := env.Manager.Repo.EventsAfter(env.Ctx, after[0].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != after[1].ID {
		t.Fatalf("cursor should resume past the first event: %+v", rest)
	}
}

func TestPriorityFromDeadline(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		deadline string
		want     string
	}{
		{"2026-01-05", "urgent"},
		{"2026-01-25", "high"},
		{"2026-03-15", "medium"},
		{"2026-09-01", "low"},
		{"", "low"},
	}
	for _, c := range cases {
		g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Deadline " + c.deadline, Deadline: c.deadline})
		if g.PriorityLevel != c.want {
			t.Errorf("deadline %q: got %s want %s", c.deadline, g.PriorityLevel, c.want)
		}
	}
}

func TestChecklistSeedAndToggle(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Checklisted"})

	status, err := env.Manager.StageChecklist(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Items) == 0 || status.Stage != stage.Discovery {
		t.Fatalf("expected seeded discovery checklist, got %+v", status)
	}
	if status.CompletionRate != 0 || status.ReadyToAdvance {
		t.Fatalf("fresh checklist should be empty: %+v", status)
	}

	key := status.Items[0].Key
	status, err = env.Manager.UpdateChecklistItem(env.Ctx, g.ID, key, true, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if status.CompletedCount != 1 {
		t.Fatalf("toggle not applied: %+v", status)
	}

	_, err = env.Manager.UpdateChecklistItem(env.Ctx, g.ID, "no-such-item", true, "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown key, got %v", err)
	}
}

func TestMoveMergesChecklistPreservingState(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Carry over", Funder: "Federal Highway Administration", Eligibility: "eligible"})

	status, err := env.Manager.StageChecklist(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	doneKey := status.Items[0].Key
	if _, err := env.Manager.UpdateChecklistItem(env.Ctx, g.ID, doneKey, true, "tester"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Researching, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	status, err = env.Manager.StageChecklist(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	var keptDone, gotFederal bool
	for _, item := range status.Items {
		if item.Key == doneKey && item.Completed {
			keptDone = true
		}
		if item.Key == "register-in-sam-gov" {
			gotFederal = true
		}
	}
	if !keptDone {
		t.Fatal("completed item lost on stage move")
	}
	if !gotFederal {
		t.Fatal("federal funder should add SAM.gov task in researching")
	}
}

func TestHookDispatchOnStageEntry(t *testing.T) {
	env := newTestEnv(t)
	fired := make(chan string, 1)
	env.Manager.Hooks.Register("calculate_match_score", workflow.ActionFunc(func(ctx context.Context, action string, g domain.Grant) error {
		fired <- g.ID
		return nil
	}))
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Scored", Eligibility: "eligible"})
	if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: stage.Researching, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-fired:
		if id != g.ID {
			t.Fatalf("handler got wrong grant %s", id)
		}
	default:
		t.Fatal("calculate_match_score handler never fired")
	}
}

func TestUnknownStageRejected(t *testing.T) {
	env := newTestEnv(t)
	g := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Bad target"})
	_, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: g.ID, Stage: "archived", ActorID: "tester"})
	if !errors.Is(err, workflow.ErrUnknownStage) {
		t.Fatalf("expected unknown stage error, got %v", err)
	}
}
