package domain

import "time"

// Status identifies the board column a task occupies.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

// Columns is the fixed board column order. The board itself is not a
// persisted entity; it is derived by partitioning tasks by status.
var Columns = [3]Status{StatusTodo, StatusDoing, StatusDone}

// Valid reports whether s is one of the three board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone:
		return true
	}
	return false
}

// Priority is the task urgency level.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task represents a single board item.
//
// ID is the decimal form of the server-assigned integer once confirmed. While
// an optimistic create is in flight the ID carries a "local-" prefixed
// placeholder instead.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	CreatedBy   string     `json:"createdBy"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}
