package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dutyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,title,description,type,status,notification_level,points_value,assigned_to,due_at,unlock_at,schedule_id,proof_key,execution_limit_days,created_at,updated_at,completed_at`

// TaskFilters is the typed query surface for the task store. Every field is
// optional; Validate rejects unknown enum values at the boundary.
type TaskFilters struct {
	Statuses     []string
	Types        []string
	ExcludeTypes []string
	AssignedTo   string
	HasAssignee  *bool
	ScheduleID   string
	HasSchedule  *bool
	Levels       []string
	DueBefore    *time.Time
	UnlockBefore *time.Time
	OrderDueAsc  bool
	Limit        int
}

func (f TaskFilters) Validate() error {
	for _, s := range f.Statuses {
		if !domain.ValidStatus(s) {
			return fmt.Errorf("unknown status filter %q", s)
		}
	}
	for _, t := range append(append([]string{}, f.Types...), f.ExcludeTypes...) {
		if !domain.ValidType(t) {
			return fmt.Errorf("unknown type filter %q", t)
		}
	}
	for _, l := range f.Levels {
		if _, ok := map[string]bool{
			domain.LevelNone: true, domain.LevelUnlocked: true,
			domain.LevelUrgent: true, domain.LevelExpired: true,
		}[l]; !ok {
			return fmt.Errorf("unknown notification level filter %q", l)
		}
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (f TaskFilters) build() (string, []any) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(f.Statuses))))
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if len(f.Types) > 0 {
		clauses = append(clauses, fmt.Sprintf("type IN (%s)", placeholders(len(f.Types))))
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if len(f.ExcludeTypes) > 0 {
		clauses = append(clauses, fmt.Sprintf("type NOT IN (%s)", placeholders(len(f.ExcludeTypes))))
		for _, t := range f.ExcludeTypes {
			args = append(args, t)
		}
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.HasAssignee != nil {
		if *f.HasAssignee {
			clauses = append(clauses, "assigned_to IS NOT NULL")
		} else {
			clauses = append(clauses, "assigned_to IS NULL")
		}
	}
	if f.ScheduleID != "" {
		clauses = append(clauses, "schedule_id=?")
		args = append(args, f.ScheduleID)
	}
	if f.HasSchedule != nil {
		if *f.HasSchedule {
			clauses = append(clauses, "schedule_id IS NOT NULL")
		} else {
			clauses = append(clauses, "schedule_id IS NULL")
		}
	}
	if len(f.Levels) > 0 {
		clauses = append(clauses, fmt.Sprintf("notification_level IN (%s)", placeholders(len(f.Levels))))
		for _, l := range f.Levels {
			args = append(args, l)
		}
	}
	if f.DueBefore != nil {
		clauses = append(clauses, "due_at IS NOT NULL AND due_at <= ?")
		args = append(args, fmtTime(*f.DueBefore))
	}
	if f.UnlockBefore != nil {
		clauses = append(clauses, "unlock_at IS NOT NULL AND unlock_at <= ?")
		args = append(args, fmtTime(*f.UnlockBefore))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := "ORDER BY created_at DESC, id DESC"
	if f.OrderDueAsc {
		order = "ORDER BY due_at ASC, id ASC"
	}
	query := where + " " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	suffix, args := f.build()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+suffix, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, assignedTo, dueAt, unlockAt, scheduleID, proofKey, completedAt sql.NullString
	var execLimit sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Title, &description, &t.Type, &t.Status, &t.NotificationLevel,
		&t.PointsValue, &assignedTo, &dueAt, &unlockAt, &scheduleID, &proofKey, &execLimit,
		&createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	if scheduleID.Valid {
		t.ScheduleID = &scheduleID.String
	}
	if proofKey.Valid {
		t.ProofKey = &proofKey.String
	}
	if execLimit.Valid {
		v := int(execLimit.Int64)
		t.ExecutionLimitDays = &v
	}
	if t.DueAt, err = parseTimePtr(dueAt); err != nil {
		return t, err
	}
	if t.UnlockAt, err = parseTimePtr(unlockAt); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Type, t.Status, t.NotificationLevel, t.PointsValue,
		nullableStringPtr(t.AssignedTo), fmtTimePtr(t.DueAt), fmtTimePtr(t.UnlockAt),
		nullableStringPtr(t.ScheduleID), nullableStringPtr(t.ProofKey), nullableIntPtr(t.ExecutionLimitDays),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), fmtTimePtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, type=?, status=?, notification_level=?, points_value=?, assigned_to=?, due_at=?, unlock_at=?, schedule_id=?, proof_key=?, execution_limit_days=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Type, t.Status, t.NotificationLevel, t.PointsValue,
		nullableStringPtr(t.AssignedTo), fmtTimePtr(t.DueAt), fmtTimePtr(t.UnlockAt),
		nullableStringPtr(t.ScheduleID), nullableStringPtr(t.ProofKey), nullableIntPtr(t.ExecutionLimitDays),
		fmtTime(t.UpdatedAt), fmtTimePtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceNotificationLevel raises a task's notification level. The update is
// guarded in SQL so it only ever moves forward; a false return means another
// run already advanced it (or the task is gone), which callers treat as done.
func (r Repo) AdvanceNotificationLevel(ctx context.Context, id, level string, now time.Time) (bool, error) {
	var lower []string
	for _, l := range []string{domain.LevelNone, domain.LevelUnlocked, domain.LevelUrgent, domain.LevelExpired} {
		if domain.LevelRank(l) < domain.LevelRank(level) {
			lower = append(lower, l)
		}
	}
	if len(lower) == 0 {
		return false, fmt.Errorf("cannot advance to lowest level %q", level)
	}
	args := []any{level, fmtTime(now), id}
	for _, l := range lower {
		args = append(args, l)
	}
	res, err := r.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET notification_level=?, updated_at=? WHERE id=? AND notification_level IN (%s)`, placeholders(len(lower))),
		args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountActiveForSchedule counts tasks still occupying the schedule's slot.
func (r Repo) CountActiveForSchedule(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE schedule_id=? AND status IN ('locked','open','pending')`, scheduleID).Scan(&n)
	return n, err
}

// LatestTaskForSchedule returns the most recently created instance.
func (r Repo) LatestTaskForSchedule(ctx context.Context, scheduleID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE schedule_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, scheduleID))
}

// --- scan/format helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse instant %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
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

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
