package domain

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	CompanyID   string `json:"company_id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"not_started,in_progress,on_track,ahead_of_schedule,behind_schedule,on_hold,completed,cancelled"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ScheduleTask struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status" enum:"planned,in_progress,completed,delayed,cancelled"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	StartDate   *string `json:"start_date,omitempty" format:"date"`
	EndDate     *string `json:"end_date,omitempty" format:"date"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type PunchlistItem struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Status           string  `json:"status" enum:"open,resolved"`
	BlocksCompletion bool    `json:"blocks_completion"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	ResolvedAt       *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
