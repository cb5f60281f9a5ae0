package workflow_test

import (
	"fmt"
	"testing"

	"pinklemonade/internal/stage"
	"pinklemonade/internal/workflow"
)

func TestPipelineBucketsAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	// two in discovery, one researching, one awarded, one declined
	mustGrant(t, env, workflow.GrantCreateOptions{Title: "A", AmountMax: 1000000})
	mustGrant(t, env, workflow.GrantCreateOptions{Title: "B", AmountMin: 500000})
	researching := mustGrant(t, env, workflow.GrantCreateOptions{Title: "C", Eligibility: "eligible", AmountMax: 2000000})
	if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: researching.ID, Stage: stage.Researching, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	awarded := mustGrant(t, env, workflow.GrantCreateOptions{Title: "D"})
	amount := int64(750000)
	if _, err := env.Manager.UpdateGrant(env.Ctx, workflow.GrantUpdateOptions{ID: awarded.ID, AwardAmount: &amount, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: awarded.ID, Stage: stage.Awarded, ActorID: "tester", Force: true}); err != nil {
		t.Fatal(err)
	}
	declined := mustGrant(t, env, workflow.GrantCreateOptions{Title: "E"})
	if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: declined.ID, Stage: stage.Declined, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	p, err := env.Manager.PipelineStatus(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	total := 0
	for _, b := range p.Stages {
		counts[b.Stage] = b.Count
		total += b.Count
	}
	if total != p.Metrics.TotalGrants || total != 5 {
		t.Fatalf("bucket counts %d do not sum to total %d", total, p.Metrics.TotalGrants)
	}
	if counts[stage.Discovery] != 2 || counts[stage.Researching] != 1 || counts[stage.Awarded] != 1 || counts[stage.Declined] != 1 {
		t.Fatalf("unexpected buckets %v", counts)
	}
	if p.Metrics.SuccessRate != 0.5 {
		t.Fatalf("success rate = awarded/(awarded+declined): got %f", p.Metrics.SuccessRate)
	}
	if p.Metrics.AwardedCents != 750000 {
		t.Fatalf("awarded cents: %d", p.Metrics.AwardedCents)
	}
	// potential uses AmountMax, falling back to AmountMin
	if p.Metrics.PotentialCents != 1000000+500000+2000000 {
		t.Fatalf("potential cents: %d", p.Metrics.PotentialCents)
	}
	if p.Metrics.InProgress != 3 {
		t.Fatalf("in progress: %d", p.Metrics.InProgress)
	}

	stageCounts, err := env.Manager.Repo.CountGrantsByStage(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range p.Stages {
		if stageCounts[b.Stage] != b.Count {
			t.Fatalf("stage count query disagrees with pipeline for %s: %d != %d", b.Stage, stageCounts[b.Stage], b.Count)
		}
	}
}

func TestPipelineSuccessRateZeroWhenUndecided(t *testing.T) {
	env := newTestEnv(t)
	mustGrant(t, env, workflow.GrantCreateOptions{Title: "Only one"})
	p, err := env.Manager.PipelineStatus(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Metrics.SuccessRate != 0 {
		t.Fatalf("expected 0 success rate, got %f", p.Metrics.SuccessRate)
	}
}

func TestPipelineNextDeadline(t *testing.T) {
	env := newTestEnv(t)
	mustGrant(t, env, workflow.GrantCreateOptions{Title: "Far", Deadline: "2026-06-01"})
	mustGrant(t, env, workflow.GrantCreateOptions{Title: "Near", Deadline: "2026-02-01"})
	mustGrant(t, env, workflow.GrantCreateOptions{Title: "Past", Deadline: "2025-12-01"})

	p, err := env.Manager.PipelineStatus(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Metrics.NextDeadline == nil || *p.Metrics.NextDeadline != "2026-02-01" {
		t.Fatalf("next deadline: %+v", p.Metrics.NextDeadline)
	}

	// terminal grants still count toward the next deadline
	declined := mustGrant(t, env, workflow.GrantCreateOptions{Title: "Declined soon", Deadline: "2026-01-15"})
	if _, err := env.Manager.MoveToStage(env.Ctx, workflow.MoveOptions{GrantID: declined.ID, Stage: stage.Declined, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	p, err = env.Manager.PipelineStatus(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Metrics.NextDeadline == nil || *p.Metrics.NextDeadline != "2026-01-15" {
		t.Fatalf("next deadline after decline: %+v", p.Metrics.NextDeadline)
	}
}

func TestPipelinePreviewCapped(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 8; i++ {
		mustGrant(t, env, workflow.GrantCreateOptions{Title: fmt.Sprintf("Grant %d", i)})
	}
	p, err := env.Manager.PipelineStatus(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range p.Stages {
		if b.Stage == stage.Discovery {
			if b.Count != 8 || len(b.Preview) != 5 {
				t.Fatalf("preview should cap at 5: count=%d preview=%d", b.Count, len(b.Preview))
			}
		}
	}
}
