package domain

import (
	"math"
	"sort"
	"time"
)

// TaskCard is a task list entry with its derived state.
type TaskCard struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     int        `json:"status"`
	Assignee   *User      `json:"assignee,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	Completion Completion `json:"completion"`
	Complete   bool       `json:"complete"`
	Overdue    bool       `json:"overdue"`
	DaysLeft   *int       `json:"daysLeft,omitempty"`
}

// NewTaskCard derives the list state of t at now.
func NewTaskCard(t Task, users map[string]User, now time.Time) TaskCard {
	c := TaskCompletion(t)
	card := TaskCard{
		ID:         t.ID,
		Title:      t.Title,
		Status:     t.Status,
		Assignee:   lookupUser(users, t.AssigneeID),
		DueDate:    t.DueDate,
		Completion: c,
		Complete:   c.Complete(),
	}
	if t.DueDate != nil {
		card.Overdue = !card.Complete && t.DueDate.Before(now)
		days := daysUntil(*t.DueDate, now)
		card.DaysLeft = &days
	}
	return card
}

// TriageTasks returns the task list in triage order: incomplete before
// complete, overdue first among incomplete, then by ascending due date with
// undated tasks last in their bucket. Ties keep input order.
func TriageTasks(tasks []Task, users map[string]User, now time.Time) []TaskCard {
	cards := make([]TaskCard, len(tasks))
	for i, t := range tasks {
		cards[i] = NewTaskCard(t, users, now)
	}
	sort.SliceStable(cards, func(i, j int) bool { return triageLess(cards[i], cards[j]) })
	return cards
}

func triageBucket(c TaskCard) int {
	switch {
	case c.Complete:
		return 2
	case c.Overdue:
		return 0
	default:
		return 1
	}
}

func triageLess(a, b TaskCard) bool {
	if ba, bb := triageBucket(a), triageBucket(b); ba != bb {
		return ba < bb
	}
	switch {
	case a.DueDate == nil:
		return false
	case b.DueDate == nil:
		return true
	default:
		return a.DueDate.Before(*b.DueDate)
	}
}

// daysUntil counts whole days left until due; partial days round away from
// zero so a task due later today has one day left and one due earlier today
// is a day late.
func daysUntil(due, now time.Time) int {
	days := due.Sub(now).Hours() / 24
	if days >= 0 {
		return int(math.Ceil(days))
	}
	return int(math.Floor(days))
}
