package repo

import (
	"context"
	"database/sql"

	"pinklemonade/internal/domain"
)

const eventColumns = `id,ts,type,org_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var actorID, payload sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &e.OrgID, &e.EntityKind, &e.EntityID, &actorID, &payload)
	if err != nil {
		return e, err
	}
	if actorID.Valid {
		e.ActorID = actorID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// LatestEvents returns the newest events for an org, newest first.
func (r Repo) LatestEvents(ctx context.Context, orgID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE org_id=? ORDER BY id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than cursor, oldest first.
// The webhook dispatcher walks the log with it.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
