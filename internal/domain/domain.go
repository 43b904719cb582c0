package domain

// StatusID identifies a ticket status. Ids are normalized to this type at the
// storage boundary; workflow maps are keyed by it.
type StatusID int64

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Status struct {
	ID          StatusID `json:"id"`
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	IsCompleted bool     `json:"is_completed"`
	SortOrder   int      `json:"sort_order"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type Priority struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	IsDefault bool   `json:"is_default"`
}

type Epic struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	StartsAt  *string `json:"starts_at,omitempty" format:"date"`
	EndsAt    *string `json:"ends_at,omitempty" format:"date"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Sprint struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"project_id"`
	EpicID    *int64  `json:"epic_id,omitempty"`
	Name      string  `json:"name"`
	StartsAt  *string `json:"starts_at,omitempty" format:"date"`
	EndsAt    *string `json:"ends_at,omitempty" format:"date"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Ticket struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Content     string   `json:"content,omitempty"`
	StatusID    StatusID `json:"status_id"`
	PriorityID  int64    `json:"priority_id"`
	EpicID      *int64   `json:"epic_id,omitempty"`
	SprintID    *int64   `json:"sprint_id,omitempty"`
	OwnerID     string   `json:"owner_id"`
	Estimation  *float64 `json:"estimation,omitempty"`
	AssigneeIDs []string `json:"assignee_ids"`
	Version     int64    `json:"version"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// HistoryEntry is one immutable status-change record. FromStatusID is nil for
// the entry written when the ticket was created.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	TicketID     string    `json:"ticket_id"`
	ActorID      string    `json:"actor_id"`
	FromStatusID *StatusID `json:"from_status_id,omitempty"`
	ToStatusID   StatusID  `json:"to_status_id"`
	Note         *string   `json:"note,omitempty"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
}
