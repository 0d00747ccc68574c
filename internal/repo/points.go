package repo

import (
	"context"
	"database/sql"

	"dutyline/internal/domain"
)

func (r Repo) InsertPointEntry(ctx context.Context, e domain.PointEntry) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO point_entries(member_id,amount,reason,category,task_id,created_at) VALUES (?,?,?,?,?,?)`,
		e.MemberID, e.Amount, e.Reason, e.Category, nullableStringPtr(e.TaskID), fmtTime(e.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListPointEntries(ctx context.Context, memberID string, limit int) ([]domain.PointEntry, error) {
	query := `SELECT id,member_id,amount,reason,category,task_id,created_at FROM point_entries`
	var args []any
	if memberID != "" {
		query += ` WHERE member_id=?`
		args = append(args, memberID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PointEntry
	for rows.Next() {
		var e domain.PointEntry
		var taskID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.MemberID, &e.Amount, &e.Reason, &e.Category, &taskID, &createdAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			e.TaskID = &taskID.String
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MemberBalance(ctx context.Context, memberID string) (int, error) {
	var balance int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM point_entries WHERE member_id=?`, memberID).Scan(&balance)
	return balance, err
}

// LatestEvents returns the most recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_id,actor_id,payload_json FROM events WHERE ` +
		joinAnd(clauses) + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, actor, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &entity, &actor, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if actor.Valid {
			e.ActorID = actor.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
