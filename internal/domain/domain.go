package domain

import "time"

// Task statuses.
const (
	StatusLocked   = "locked"
	StatusOpen     = "open"
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// Task types.
const (
	TypeDuty    = "duty"
	TypeBounty  = "bounty"
	TypeProject = "project"
	TypeOneOff  = "one_off"
	TypeAdHoc   = "ad_hoc"
)

// Notification escalation levels, in ascending order.
const (
	LevelNone     = "none"
	LevelUnlocked = "unlocked"
	LevelUrgent   = "urgent"
	LevelExpired  = "expired"
)

type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Type               string     `json:"type" enum:"duty,bounty,project,one_off,ad_hoc"`
	Status             string     `json:"status" enum:"locked,open,pending,approved,rejected,expired"`
	NotificationLevel  string     `json:"notification_level" enum:"none,unlocked,urgent,expired"`
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

// Schedule is a template that spawns Task instances on a cadence. The
// recurrence rule is either a bare integer string ("every N days from the
// last completion") or an RRULE calendar expression.
type Schedule struct {
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

// PointEntry is one signed movement on a member's points balance.
type PointEntry struct {
	ID        int64     `json:"id"`
	MemberID  string    `json:"member_id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	Category  string    `json:"category"`
	TaskID    *string   `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	Payload  string `json:"payload_json"`
}

// IsActiveStatus reports whether a task still occupies its schedule's slot.
func IsActiveStatus(status string) bool {
	return status == StatusLocked || status == StatusOpen || status == StatusPending
}

// IsTerminalStatus reports whether no further lifecycle events apply.
func IsTerminalStatus(status string) bool {
	return status == StatusApproved || status == StatusExpired
}

// IsClaimable reports whether members may claim tasks of this type. Duties
// are assigned, never claimed.
func IsClaimable(taskType string) bool {
	return taskType != TypeDuty
}

// IsFinable reports whether missing the deadline carries a fine. Bounties and
// projects are optional work and simply lapse.
func IsFinable(taskType string) bool {
	return taskType != TypeBounty && taskType != TypeProject
}

var levelRanks = map[string]int{
	LevelNone:     0,
	LevelUnlocked: 1,
	LevelUrgent:   2,
	LevelExpired:  3,
}

// LevelRank orders notification levels; unknown levels rank lowest.
func LevelRank(level string) int {
	return levelRanks[level]
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusLocked, StatusOpen, StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ValidType reports whether t is a known task type.
func ValidType(t string) bool {
	switch t {
	case TypeDuty, TypeBounty, TypeProject, TypeOneOff, TypeAdHoc:
		return true
	}
	return false
}
