package domain

import "time"

// Task statuses. Moving a task into the terminal column advances it to
// StatusDone; the other values are set explicitly by clients.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in-progress"
	StatusReview     = "review"
	StatusDone       = "done"
)

// ColumnDone is the column whose membership marks a task as completed.
const ColumnDone = "done"

// Task represents a single board item. Position is unique and dense within
// the (BoardID, ColumnID) pair.
type Task struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	ColumnID    string     `json:"columnId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Position    int        `json:"position"`
	Status      string     `json:"status"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// MarkComplete advances the task to done and stamps the completion time.
// Calling it on an already completed task does not re-stamp.
func (t *Task) MarkComplete(now time.Time) {
	if t.Status == StatusDone {
		return
	}
	t.Status = StatusDone
	t.CompletedAt = &now
}

// TaskAttrs carries caller-supplied fields for task creation.
type TaskAttrs struct {
	Title       string
	Description string
	CreatedBy   string
}

// PositionChange records a task whose position moved during a structural
// mutation. Callers republish these as minimal deltas.
type PositionChange struct {
	TaskID   string `json:"taskId"`
	Position int    `json:"position"`
}

// Member identifies a user present in a room.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}
