package domain

import (
	"math"
	"strconv"
	"time"
)

// UpcomingDays is how far ahead an incomplete task counts as upcoming.
const UpcomingDays = 3

// RatingAverage is the mean peer rating. Without ratings it carries no data
// and renders as "--" (JSON null).
type RatingAverage struct {
	Value float64
	Count int
}

// HasData reports whether at least one rating contributed.
func (r RatingAverage) HasData() bool { return r.Count > 0 }

func (r RatingAverage) String() string {
	if !r.HasData() {
		return "--"
	}
	return strconv.FormatFloat(r.Value, 'f', 1, 64)
}

func (r RatingAverage) MarshalJSON() ([]byte, error) {
	if !r.HasData() {
		return []byte("null"), nil
	}
	return []byte(r.String()), nil
}

// ProjectSummary is the project overview shown to one user.
type ProjectSummary struct {
	Total         int           `json:"total"`
	Completed     int           `json:"completed"`
	Overdue       int           `json:"overdue"`
	Upcoming      int           `json:"upcoming"`
	UserTotal     int           `json:"userTotal"`
	UserCompleted int           `json:"userCompleted"`
	AverageRating RatingAverage `json:"avgRating"`
	Progress      Completion    `json:"progress"`
}

// SummarizeProject aggregates project-wide counts and the statistics of
// userID's assigned tasks.
func SummarizeProject(s Snapshot, userID string, now time.Time) ProjectSummary {
	sum := ProjectSummary{Total: len(s.Tasks), Progress: ProjectProgress(s.Tasks)}
	upcomingBefore := now.AddDate(0, 0, UpcomingDays)
	userTasks := make(map[string]struct{})

	for _, t := range s.Tasks {
		complete := t.IsComplete()
		if complete {
			sum.Completed++
		}
		if t.AssigneeID == userID {
			sum.UserTotal++
			userTasks[t.ID] = struct{}{}
			if complete {
				sum.UserCompleted++
			}
		}
		if complete || t.DueDate == nil {
			continue
		}
		switch {
		case t.DueDate.Before(now):
			sum.Overdue++
		case t.DueDate.Before(upcomingBefore):
			sum.Upcoming++
		}
	}
	sum.AverageRating = AverageRating(s.Feedbacks, userTasks)
	return sum
}

// AverageRating averages the ratings of peer feedback (not reflections) left
// on the given tasks, rounded to one decimal. Feedback without a rating does
// not count.
func AverageRating(feedbacks []Feedback, taskIDs map[string]struct{}) RatingAverage {
	total, n := 0, 0
	for _, f := range feedbacks {
		if f.Reflection || f.Rating == nil {
			continue
		}
		if _, ok := taskIDs[f.TaskID]; !ok {
			continue
		}
		total += *f.Rating
		n++
	}
	if n == 0 {
		return RatingAverage{}
	}
	return RatingAverage{Value: math.Round(float64(total)/float64(n)*10) / 10, Count: n}
}
