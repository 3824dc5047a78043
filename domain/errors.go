package domain

import "errors"

var (
	// ErrProjectNotFound is returned when no project row exists for an id.
	ErrProjectNotFound = errors.New("project not found")
	// ErrNotMember is returned when a user acts on a project they do not belong to.
	ErrNotMember = errors.New("not a project member")
	// ErrTaskNotFound is returned when a command references an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrEmptyChecklist is returned when completing a task without checklist items.
	ErrEmptyChecklist = errors.New("task has no checklist items")
)
