package domain

import (
	"math"
	"time"
)

// Task represents a single project task together with its checklist.
type Task struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"projectId"`
	Title       string          `json:"title"`
	AssigneeID  string          `json:"assigneeId,omitempty"`
	Description string          `json:"description,omitempty"`
	Status      int             `json:"status"`
	CreatedAt   *time.Time      `json:"createdAt,omitempty"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Checklist   []ChecklistItem `json:"checklist"`
}

// TaskPatch lists task fields to change; nil fields are left alone.
type TaskPatch struct {
	TaskID      string
	Title       *string
	AssigneeID  *string
	Description *string
	DueDate     *string
}

// ChecklistItem is an atomic to-do unit belonging to exactly one task.
type ChecklistItem struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"taskId"`
	Content     string     `json:"content"`
	Done        bool       `json:"done"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Completion summarises how many checklist items are done.
type Completion struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// Complete reports whether there is at least one item and all are done.
func (c Completion) Complete() bool {
	return c.Total > 0 && c.Completed == c.Total
}

// TaskCompletion computes the checklist completion of a single task.
func TaskCompletion(t Task) Completion {
	done := 0
	for _, item := range t.Checklist {
		if item.Done {
			done++
		}
	}
	return newCompletion(done, len(t.Checklist))
}

// ProjectProgress sums checklist items over every task of a project.
func ProjectProgress(tasks []Task) Completion {
	done, total := 0, 0
	for _, t := range tasks {
		c := TaskCompletion(t)
		done += c.Completed
		total += c.Total
	}
	return newCompletion(done, total)
}

// IsComplete reports whether the task has a non-empty, fully done checklist.
func (t Task) IsComplete() bool {
	return TaskCompletion(t).Complete()
}

// LatestCompletion returns the most recent completed_at among the task's
// items, or nil when no item carries one.
func (t Task) LatestCompletion() *time.Time {
	var latest *time.Time
	for i := range t.Checklist {
		at := t.Checklist[i].CompletedAt
		if at == nil {
			continue
		}
		if latest == nil || at.After(*latest) {
			latest = at
		}
	}
	return latest
}

func newCompletion(done, total int) Completion {
	return Completion{Completed: done, Total: total, Percent: completionPercent(done, total)}
}

// completionPercent rounds to the nearest integer but only reports 100 once
// every item is done.
func completionPercent(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	if p >= 100 && done < total {
		return 99
	}
	if p > 100 {
		return 100
	}
	return p
}
