package engine

import (
	"fmt"

	"ticketflow/internal/repo"
)

// InitialLabel is the source label reported when a ticket is being created.
const InitialLabel = "Initial"

// WorkflowViolationError reports a status change the project workflow does
// not permit. From and To carry status names.
type WorkflowViolationError struct {
	ProjectID string
	From      string
	To        string
}

func (e WorkflowViolationError) Error() string {
	return fmt.Sprintf("Transition from %q to %q is not allowed by the project workflow.", e.From, e.To)
}

// NotFoundError names the missing entity. errors.Is(err, repo.ErrNotFound)
// holds for it.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error {
	return repo.ErrNotFound
}

// ReferentialIntegrityError is returned when deleting an entity that tickets,
// or the project workflow, still reference.
type ReferentialIntegrityError struct {
	Kind     string
	ID       string
	Tickets  int
	Workflow bool
}

func (e ReferentialIntegrityError) Error() string {
	if e.Workflow {
		return fmt.Sprintf("%s %s is referenced by the project workflow; edit the workflow first", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s %s is referenced by %d ticket(s)", e.Kind, e.ID, e.Tickets)
}

// InvalidInputError rejects a request before any read or write.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrConflict is returned when a ticket changed concurrently.
var ErrConflict = repo.ErrConflict
