package repo

import (
	"context"
	"database/sql"
	"time"

	"dutyline/internal/domain"
)

const scheduleColumns = `id,title,description,recurrence_rule,lead_time_hours,active,task_type,points_value,assigned_to,execution_limit_days,last_generated_at,created_at,updated_at`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var description, assignedTo, lastGenerated sql.NullString
	var execLimit sql.NullInt64
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.Title, &description, &s.RecurrenceRule, &s.LeadTimeHours, &active,
		&s.TaskType, &s.PointsValue, &assignedTo, &execLimit, &lastGenerated, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Active = active != 0
	if description.Valid {
		s.Description = description.String
	}
	if assignedTo.Valid {
		s.AssignedTo = &assignedTo.String
	}
	if execLimit.Valid {
		v := int(execLimit.Int64)
		s.ExecutionLimitDays = &v
	}
	if s.LastGeneratedAt, err = parseTimePtr(lastGenerated); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return scanSchedule(r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
}

func (r Repo) InsertSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO schedules(`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Title, nullable(s.Description), s.RecurrenceRule, s.LeadTimeHours, boolInt(s.Active),
		s.TaskType, s.PointsValue, nullableStringPtr(s.AssignedTo), nullableIntPtr(s.ExecutionLimitDays),
		fmtTimePtr(s.LastGeneratedAt), fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt))
	return err
}

func (r Repo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE schedules SET title=?, description=?, recurrence_rule=?, lead_time_hours=?, active=?, task_type=?, points_value=?, assigned_to=?, execution_limit_days=?, last_generated_at=?, updated_at=? WHERE id=?`,
		s.Title, nullable(s.Description), s.RecurrenceRule, s.LeadTimeHours, boolInt(s.Active),
		s.TaskType, s.PointsValue, nullableStringPtr(s.AssignedTo), nullableIntPtr(s.ExecutionLimitDays),
		fmtTimePtr(s.LastGeneratedAt), fmtTime(s.UpdatedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSchedules(ctx context.Context, activeOnly bool) ([]domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at DESC, id DESC`
	if activeOnly {
		query = `SELECT ` + scheduleColumns + ` FROM schedules WHERE active=1 ORDER BY created_at DESC, id DESC`
	}
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// MarkGenerated records that a fresh instance was created for the schedule.
func (r Repo) MarkGenerated(ctx context.Context, tx *sql.Tx, id string, generatedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE schedules SET last_generated_at=?, updated_at=? WHERE id=?`,
		fmtTime(generatedAt), fmtTime(generatedAt), id)
	return err
}

func (r Repo) SetScheduleActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE schedules SET active=?, updated_at=? WHERE id=?`,
		boolInt(active), fmtTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
