package server

import (
	"encoding/json"

	"sitework/internal/config"
	"sitework/internal/domain"
	"sitework/internal/engine"
)

// envelope wraps every successful response body.
type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func ok[T any](data T) envelope[T] {
	return envelope[T]{Success: true, Data: data}
}

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	CompanyID   string  `json:"company_id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high"`
	Description *string `json:"description,omitempty"`
}

type ValidateStatusChangeRequest struct {
	NewStatus string `json:"new_status"`
}

type ChangeStatusRequest struct {
	Status        string `json:"status"`
	CurrentStatus string `json:"current_status"`
	Notes         string `json:"notes,omitempty"`
}

type CreateScheduleTaskRequest struct {
	ID         *string `json:"id,omitempty"`
	Title      string  `json:"title"`
	Status     *string `json:"status,omitempty" enum:"planned,in_progress,completed,delayed,cancelled"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	StartDate  *string `json:"start_date,omitempty" format:"date"`
	EndDate    *string `json:"end_date,omitempty" format:"date"`
}

type UpdateScheduleTaskRequest struct {
	Title      *string `json:"title,omitempty"`
	Status     *string `json:"status,omitempty" enum:"planned,in_progress,completed,delayed,cancelled"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	StartDate  *string `json:"start_date,omitempty" format:"date"`
	EndDate    *string `json:"end_date,omitempty" format:"date"`
}

type CreatePunchlistItemRequest struct {
	ID               *string `json:"id,omitempty"`
	Title            string  `json:"title"`
	BlocksCompletion bool    `json:"blocks_completion,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	CompanyID   string `json:"company_id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"not_started,in_progress,on_track,ahead_of_schedule,behind_schedule,on_hold,completed,cancelled"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ProjectStatusResponse struct {
	ProjectID     string         `json:"project_id"`
	Status        string         `json:"status"`
	TaskCounts    map[string]int `json:"task_counts"`
	OpenPunchlist int            `json:"open_punchlist"`
}

type ValidationResultResponse struct {
	Blockers []string `json:"blockers"`
	Warnings []string `json:"warnings"`
}

type TaskChangeResponse struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type TaskSkipResponse struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

type StatusChangeResponse struct {
	Project      ProjectResponse      `json:"project"`
	UpdatedCount int                  `json:"updated_count"`
	SkippedCount int                  `json:"skipped_count"`
	UpdatedTasks []TaskChangeResponse `json:"updated_tasks"`
	SkippedTasks []TaskSkipResponse   `json:"skipped_tasks"`
}

type ScheduleTaskResponse struct {
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

type PunchlistItemResponse struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Status           string  `json:"status" enum:"open,resolved"`
	BlocksCompletion bool    `json:"blocks_completion"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	ResolvedAt       *string `json:"resolved_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Secret    string `json:"secret,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID      string `json:"id"`
		Company string `json:"company"`
	} `json:"project"`
	Roles map[string]RoleResponse `json:"roles"`
}

type RoleResponse struct {
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type paginatedTasks struct {
	Items      []ScheduleTaskResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func taskResponse(t domain.ScheduleTask) ScheduleTaskResponse {
	return ScheduleTaskResponse(t)
}

func punchlistResponse(item domain.PunchlistItem) PunchlistItemResponse {
	return PunchlistItemResponse(item)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func verdictResponse(v engine.Verdict) ValidationResultResponse {
	return ValidationResultResponse{
		Blockers: nonNilSlice(v.Blockers),
		Warnings: nonNilSlice(v.Warnings),
	}
}

func statusChangeResponse(p domain.Project, res engine.CoordinationResult) StatusChangeResponse {
	out := StatusChangeResponse{
		Project:      projectResponse(p),
		UpdatedCount: res.UpdatedCount,
		SkippedCount: res.SkippedCount,
		UpdatedTasks: []TaskChangeResponse{},
		SkippedTasks: []TaskSkipResponse{},
	}
	for _, ch := range res.Updated {
		out.UpdatedTasks = append(out.UpdatedTasks, TaskChangeResponse(ch))
	}
	for _, sk := range res.Skipped {
		out.SkippedTasks = append(out.SkippedTasks, TaskSkipResponse(sk))
	}
	return out
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Company = cfg.Project.Company
	res.Roles = map[string]RoleResponse{}
	for id, role := range cfg.RBAC.Roles {
		res.Roles[id] = RoleResponse{
			Description: role.Description,
			Permissions: nonNilSlice(role.Permissions),
		}
	}
	return res
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.ScheduleTask) []ScheduleTaskResponse {
	res := make([]ScheduleTaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapPunchlist(items []domain.PunchlistItem) []PunchlistItemResponse {
	res := make([]PunchlistItemResponse, 0, len(items))
	for _, item := range items {
		res = append(res, punchlistResponse(item))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
