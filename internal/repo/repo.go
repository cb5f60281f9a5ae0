package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pinklemonade/internal/config"
	"pinklemonade/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertOrg(ctx context.Context, o domain.Org) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO orgs(id,name,status,mission,created_at) VALUES (?,?,?,?,?)`,
		o.ID, o.Name, o.Status, nullable(o.Mission), o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	var mission sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,mission,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.Status, &mission, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if mission.Valid {
		o.Mission = mission.String
	}
	return o, err
}

// SingleOrg returns the only org in the workspace, erroring when zero or
// several exist. The CLI uses it to avoid a mandatory --org flag.
func (r Repo) SingleOrg(ctx context.Context) (domain.Org, error) {
	orgs, err := r.ListOrgs(ctx)
	if err != nil {
		return domain.Org{}, err
	}
	if len(orgs) == 0 {
		return domain.Org{}, ErrNotFound
	}
	if len(orgs) > 1 {
		return domain.Org{}, fmt.Errorf("multiple orgs exist; specify --org")
	}
	return orgs[0], nil
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Org, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(mission,''),created_at FROM orgs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Org
	for rows.Next() {
		var o domain.Org
		if err := rows.Scan(&o.ID, &o.Name, &o.Status, &o.Mission, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO orgs(id,name,status,created_at) VALUES (?,?,?,?)`,
		id, name, "active", now)
	return err
}

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, orgID, now string) error {
	if id == "" {
		return errors.New("user id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,org_id,created_at) VALUES (?,?,?)`, id, nullable(orgID), now)
	return err
}

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

const grantColumns = `id,org_id,user_id,title,funder,amount_min_cents,amount_max_cents,deadline,eligibility,application_stage,status,priority_level,submitted_at,award_amount_cents,checklist_json,activity_log_json,created_at,updated_at`

func (r Repo) InsertGrant(ctx context.Context, tx *sql.Tx, g domain.Grant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO grants(`+grantColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.OrgID, nullable(g.UserID), g.Title, g.Funder, g.AmountMin, g.AmountMax,
		nullableStringPtr(g.Deadline), nullable(g.Eligibility), g.ApplicationStage, g.Status, g.PriorityLevel,
		nullableStringPtr(g.SubmittedAt), nullableInt64Ptr(g.AwardAmount),
		nullableStringPtr(g.ChecklistJSON), nullableStringPtr(g.ActivityLogJSON),
		g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) UpdateGrant(ctx context.Context, tx *sql.Tx, g domain.Grant) error {
	_, err := tx.ExecContext(ctx, `UPDATE grants SET title=?, funder=?, amount_min_cents=?, amount_max_cents=?, deadline=?, eligibility=?, application_stage=?, status=?, priority_level=?, submitted_at=?, award_amount_cents=?, checklist_json=?, activity_log_json=?, updated_at=? WHERE id=?`,
		g.Title, g.Funder, g.AmountMin, g.AmountMax, nullableStringPtr(g.Deadline), nullable(g.Eligibility),
		g.ApplicationStage, g.Status, g.PriorityLevel, nullableStringPtr(g.SubmittedAt), nullableInt64Ptr(g.AwardAmount),
		nullableStringPtr(g.ChecklistJSON), nullableStringPtr(g.ActivityLogJSON), g.UpdatedAt, g.ID)
	return err
}

func scanGrant(scan func(dest ...any) error) (domain.Grant, error) {
	var g domain.Grant
	var userID, deadline, eligibility, submittedAt, checklist, activity sql.NullString
	var awardAmount sql.NullInt64
	err := scan(&g.ID, &g.OrgID, &userID, &g.Title, &g.Funder, &g.AmountMin, &g.AmountMax,
		&deadline, &eligibility, &g.ApplicationStage, &g.Status, &g.PriorityLevel,
		&submittedAt, &awardAmount, &checklist, &activity, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if userID.Valid {
		g.UserID = userID.String
	}
	if deadline.Valid {
		g.Deadline = &deadline.String
	}
	if eligibility.Valid {
		g.Eligibility = eligibility.String
	}
	if submittedAt.Valid {
		g.SubmittedAt = &submittedAt.String
	}
	if awardAmount.Valid {
		g.AwardAmount = &awardAmount.Int64
	}
	if checklist.Valid {
		g.ChecklistJSON = &checklist.String
	}
	if activity.Valid {
		g.ActivityLogJSON = &activity.String
	}
	return g, nil
}

func (r Repo) GetGrant(ctx context.Context, id string) (domain.Grant, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id=?`, id)
	return scanGrant(row.Scan)
}

func (r Repo) GetGrantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Grant, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id=?`, id)
	return scanGrant(row.Scan)
}

type GrantFilters struct {
	OrgID           string
	Stage           string
	Status          string
	Funder          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListGrants(ctx context.Context, f GrantFilters) ([]domain.Grant, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "application_stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Funder != "" {
		clauses = append(clauses, "funder LIKE ?")
		args = append(args, "%"+f.Funder+"%")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + grantColumns + ` FROM grants ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Grant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// CountGrantsByStage returns per-stage grant counts for an org.
func (r Repo) CountGrantsByStage(ctx context.Context, orgID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT application_stage, COUNT(*) FROM grants WHERE org_id=? GROUP BY application_stage`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
