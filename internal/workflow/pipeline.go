package workflow

import (
	"context"

	"pinklemonade/internal/domain"
	"pinklemonade/internal/repo"
	"pinklemonade/internal/stage"
)

const stagePreviewLimit = 5

// GrantPreview is the trimmed grant shape shown inside a pipeline bucket.
type GrantPreview struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Funder        string  `json:"funder,omitempty"`
	Deadline      *string `json:"deadline,omitempty"`
	PriorityLevel string  `json:"priority_level"`
}

// StageBucket aggregates one stage of the pipeline.
type StageBucket struct {
	Stage          string         `json:"stage"`
	Name           string         `json:"name"`
	Color          string         `json:"color"`
	Count          int            `json:"count"`
	PotentialCents int64          `json:"potential_cents"`
	Preview        []GrantPreview `json:"preview,omitempty"`
}

// PipelineMetrics are the org-wide rollups computed from a full scan.
type PipelineMetrics struct {
	TotalGrants    int     `json:"total_grants"`
	InProgress     int     `json:"in_progress"`
	Awarded        int     `json:"awarded"`
	Declined       int     `json:"declined"`
	SuccessRate    float64 `json:"success_rate"`
	PotentialCents int64   `json:"potential_cents"`
	AwardedCents   int64   `json:"awarded_cents"`
	NextDeadline   *string `json:"next_deadline,omitempty"`
}

// Pipeline is the aggregated view of an org's grants bucketed by stage.
type Pipeline struct {
	OrgID   string          `json:"org_id"`
	Stages  []StageBucket   `json:"stages"`
	Metrics PipelineMetrics `json:"metrics"`
}

// PipelineStatus scans an org's grants and buckets them by stage in registry
// order. Per-stage counts always sum to the total grant count.
func (m Manager) PipelineStatus(ctx context.Context, orgID string) (Pipeline, error) {
	if _, err := m.Repo.GetOrg(ctx, orgID); err != nil {
		return Pipeline{}, err
	}
	grants, err := m.Repo.ListGrants(ctx, repo.GrantFilters{OrgID: orgID})
	if err != nil {
		return Pipeline{}, err
	}

	buckets := make(map[string]*StageBucket)
	p := Pipeline{OrgID: orgID}
	for _, info := range stage.All() {
		b := &StageBucket{Stage: info.Key, Name: info.Name, Color: info.Color}
		buckets[info.Key] = b
	}

	now := m.now().UTC()
	for _, g := range grants {
		b, ok := buckets[g.ApplicationStage]
		if !ok {
			// unknown stage keys (bad imports) are counted under discovery
			b = buckets[stage.Discovery]
		}
		b.Count++
		b.PotentialCents += potential(g)
		if len(b.Preview) < stagePreviewLimit {
			b.Preview = append(b.Preview, GrantPreview{
				ID:            g.ID,
				Title:         g.Title,
				Funder:        g.Funder,
				Deadline:      g.Deadline,
				PriorityLevel: g.PriorityLevel,
			})
		}

		p.Metrics.TotalGrants++
		p.Metrics.PotentialCents += potential(g)
		switch g.ApplicationStage {
		case stage.Awarded:
			p.Metrics.Awarded++
			if g.AwardAmount != nil {
				p.Metrics.AwardedCents += *g.AwardAmount
			}
		case stage.Declined:
			p.Metrics.Declined++
		default:
			if !stage.Terminal(g.ApplicationStage) {
				p.Metrics.InProgress++
			}
		}
		// next deadline considers every grant, terminal stages included
		if g.Deadline != nil && *g.Deadline != "" {
			if t, err := parseDate(*g.Deadline); err == nil && t.After(now) {
				if p.Metrics.NextDeadline == nil {
					p.Metrics.NextDeadline = g.Deadline
				} else if prev, err := parseDate(*p.Metrics.NextDeadline); err == nil && t.Before(prev) {
					p.Metrics.NextDeadline = g.Deadline
				}
			}
		}
	}

	decided := p.Metrics.Awarded + p.Metrics.Declined
	if decided > 0 {
		p.Metrics.SuccessRate = float64(p.Metrics.Awarded) / float64(decided)
	}
	for _, info := range stage.All() {
		p.Stages = append(p.Stages, *buckets[info.Key])
	}
	return p, nil
}

func potential(g domain.Grant) int64 {
	if g.AmountMax > 0 {
		return g.AmountMax
	}
	return g.AmountMin
}
