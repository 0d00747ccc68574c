package server

import (
	"time"

	"dutyline/internal/domain"
)

type TaskResponse struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Type               string     `json:"type"`
	Status             string     `json:"status"`
	NotificationLevel  string     `json:"notification_level"`
	PointsValue        int        `json:"points_value"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	DueAt              *time.Time `json:"due_at,omitempty"`
	UnlockAt           *time.Time `json:"unlock_at,omitempty"`
	ScheduleID         *string    `json:"schedule_id,omitempty"`
	ProofKey           *string    `json:"proof_key,omitempty"`
	ExecutionLimitDays *int       `json:"execution_limit_days,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse(t)
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

type ScheduleResponse struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	RecurrenceRule     string     `json:"recurrence_rule"`
	LeadTimeHours      int        `json:"lead_time_hours"`
	Active             bool       `json:"active"`
	TaskType           string     `json:"task_type"`
	PointsValue        int        `json:"points_value"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	ExecutionLimitDays *int       `json:"execution_limit_days,omitempty"`
	LastGeneratedAt    *time.Time `json:"last_generated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func scheduleResponse(s domain.Schedule) ScheduleResponse {
	return ScheduleResponse(s)
}

type PointEntryResponse struct {
	ID        int64     `json:"id"`
	MemberID  string    `json:"member_id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	Category  string    `json:"category"`
	TaskID    *string   `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type BalanceResponse struct {
	MemberID string               `json:"member_id"`
	Balance  int                  `json:"balance"`
	Entries  []PointEntryResponse `json:"entries"`
}

type EventResponse struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Payload  string `json:"payload_json"`
}

type CreateTaskRequest struct {
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Type               string     `json:"type,omitempty" enum:"duty,bounty,project,one_off,ad_hoc"`
	PointsValue        int        `json:"points_value,omitempty" minimum:"0"`
	AssignedTo         string     `json:"assigned_to,omitempty"`
	DueAt              *time.Time `json:"due_at,omitempty"`
	UnlockAt           *time.Time `json:"unlock_at,omitempty"`
	ExecutionLimitDays *int       `json:"execution_limit_days,omitempty"`
}

type CreateScheduleRequest struct {
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	RecurrenceRule     string `json:"recurrence_rule"`
	LeadTimeHours      int    `json:"lead_time_hours,omitempty" minimum:"0"`
	TaskType           string `json:"task_type,omitempty" enum:"duty,bounty,project,one_off,ad_hoc"`
	PointsValue        int    `json:"points_value,omitempty" minimum:"0"`
	AssignedTo         string `json:"assigned_to,omitempty"`
	ExecutionLimitDays *int   `json:"execution_limit_days,omitempty"`
}

type SubmitProofRequest struct {
	ProofKey string `json:"proof_key"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ReassignRequest struct {
	AssignedTo *string `json:"assigned_to"`
}

type JobReportResponse struct {
	Job       string   `json:"job"`
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

type ProofURLResponse struct {
	URL string `json:"url"`
}
