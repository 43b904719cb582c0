package server

import (
	"ticketflow/internal/domain"
	"ticketflow/internal/engine"
	"ticketflow/internal/workflow"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateStatusRequest struct {
	Name      string `json:"name"`
	Color     string `json:"color,omitempty" example:"#ff7f00"`
	Completed bool   `json:"completed,omitempty"`
	Order     int    `json:"order,omitempty"`
}

// WorkflowRequest replaces a project's workflow. Sending both lists empty
// stores a workflow that permits everything.
type WorkflowRequest struct {
	InitialStatuses []domain.StatusID `json:"initial_statuses,omitempty"`
	Transitions     []workflow.Edge   `json:"transitions,omitempty"`
}

type CreateTicketRequest struct {
	Title       string          `json:"title"`
	Content     *string         `json:"content,omitempty"`
	StatusID    domain.StatusID `json:"status_id"`
	PriorityID  *int64          `json:"priority_id,omitempty"`
	EpicID      *int64          `json:"epic_id,omitempty"`
	SprintID    *int64          `json:"sprint_id,omitempty"`
	Estimation  *float64        `json:"estimation,omitempty"`
	AssigneeIDs []string        `json:"assignee_ids,omitempty"`
}

// UpdateTicketRequest is a patch. An explicit null on epic_id or sprint_id
// detaches the ticket.
type UpdateTicketRequest struct {
	Title       *string          `json:"title,omitempty"`
	Content     *string          `json:"content,omitempty"`
	StatusID    *domain.StatusID `json:"status_id,omitempty"`
	PriorityID  *int64           `json:"priority_id,omitempty"`
	EpicID      *int64           `json:"epic_id,omitempty" nullable:"true"`
	SprintID    *int64           `json:"sprint_id,omitempty" nullable:"true"`
	Estimation  *float64         `json:"estimation,omitempty"`
	AssigneeIDs *[]string        `json:"assignee_ids,omitempty"`
	Note        *string          `json:"note,omitempty"`
	Version     *int64           `json:"version,omitempty"`
}

type ChangeStatusRequest struct {
	StatusID domain.StatusID `json:"status_id"`
	Note     *string         `json:"note,omitempty"`
}

type CreateEpicRequest struct {
	Name     string  `json:"name"`
	StartsAt *string `json:"starts_at,omitempty" format:"date"`
	EndsAt   *string `json:"ends_at,omitempty" format:"date"`
}

type CreateSprintRequest struct {
	Name     string  `json:"name"`
	EpicID   *int64  `json:"epic_id,omitempty"`
	StartsAt *string `json:"starts_at,omitempty" format:"date"`
	EndsAt   *string `json:"ends_at,omitempty" format:"date"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WorkflowResponse struct {
	ProjectID       string            `json:"project_id"`
	Defined         bool              `json:"defined"`
	Unrestricted    bool              `json:"unrestricted"`
	InitialStatuses []domain.StatusID `json:"initial_statuses"`
	Transitions     []workflow.Edge   `json:"transitions"`
	CreatedAt       string            `json:"created_at,omitempty"`
	UpdatedAt       string            `json:"updated_at,omitempty"`
}

type paginatedTickets struct {
	Items      []domain.Ticket `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type TargetsResponse = engine.Targets

func workflowResponse(projectID string, def *workflow.Definition) WorkflowResponse {
	resp := WorkflowResponse{
		ProjectID:       projectID,
		Defined:         def != nil,
		Unrestricted:    workflow.NewPolicy(def).Unrestricted(),
		InitialStatuses: []domain.StatusID{},
		Transitions:     []workflow.Edge{},
	}
	if def == nil {
		return resp
	}
	resp.InitialStatuses = def.InitialStatuses.Sorted()
	if edges := def.Edges(); edges != nil {
		resp.Transitions = edges
	}
	resp.CreatedAt = def.CreatedAt
	resp.UpdatedAt = def.UpdatedAt
	return resp
}

func definitionFromRequest(projectID string, req WorkflowRequest) *workflow.Definition {
	def := workflow.NewDefinition(projectID)
	for _, id := range req.InitialStatuses {
		def.AddInitial(id)
	}
	for _, edge := range req.Transitions {
		def.AddTransition(edge.From, edge.To)
	}
	return def
}
