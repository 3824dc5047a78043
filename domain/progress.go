package domain

import (
	"math"
	"sort"
	"time"
)

// MinBarWidth is the narrowest timeline bar, in percent of the stage window.
const MinBarWidth = 5.0

// TimelineBar places one task on its stage's Gantt row.
type TimelineBar struct {
	TaskID          string    `json:"id"`
	Title           string    `json:"title"`
	Assignee        *User     `json:"assignee,omitempty"`
	Start           time.Time `json:"startDate"`
	End             time.Time `json:"endDate"`
	StartLabel      string    `json:"startLabel"`
	EndLabel        string    `json:"endLabel"`
	CompletedCount  int       `json:"completedCount"`
	TotalCount      int       `json:"totalCount"`
	ProgressPercent int       `json:"progress"`
	Left            float64   `json:"left"`
	Width           float64   `json:"width"`
}

// StageTimeline is the rendered row of one stage.
type StageTimeline struct {
	Stage       int           `json:"stage"`
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`
	Tasks       []TimelineBar `json:"tasks"`
}

// BuildTimeline lays out stages 1..stageCount. Tasks of a stage are ordered
// by creation time; stages without tasks are omitted.
func BuildTimeline(stageCount int, tasks []Task, users map[string]User, now time.Time, loc *time.Location) []StageTimeline {
	if stageCount <= 0 {
		return nil
	}
	byStage := make(map[int][]Task)
	for _, t := range tasks {
		if t.Status < 1 || t.Status > stageCount {
			continue
		}
		byStage[t.Status] = append(byStage[t.Status], t)
	}
	var stages []StageTimeline
	for stage := 1; stage <= stageCount; stage++ {
		st := byStage[stage]
		if len(st) == 0 {
			continue
		}
		sort.SliceStable(st, func(i, j int) bool {
			return orNow(st[i].CreatedAt, now).Before(orNow(st[j].CreatedAt, now))
		})
		stages = append(stages, LayoutStage(stage, st, users, now, loc))
	}
	return stages
}

// LayoutStage computes the window of a stage and the bar of every task in
// the given order. Missing dates stand for now.
func LayoutStage(stage int, tasks []Task, users map[string]User, now time.Time, loc *time.Location) StageTimeline {
	row := StageTimeline{Stage: stage}
	if len(tasks) == 0 {
		return row
	}
	row.WindowStart, row.WindowEnd = stageWindow(tasks, now)
	length := row.WindowEnd.Sub(row.WindowStart)
	if length <= 0 {
		length = time.Millisecond
	}

	row.Tasks = make([]TimelineBar, 0, len(tasks))
	for _, t := range tasks {
		start := orNow(t.CreatedAt, now)
		end := orNow(t.DueDate, now)
		c := TaskCompletion(t)
		row.Tasks = append(row.Tasks, TimelineBar{
			TaskID:          t.ID,
			Title:           t.Title,
			Assignee:        lookupUser(users, t.AssigneeID),
			Start:           start,
			End:             end,
			StartLabel:      DateLabel(start, loc),
			EndLabel:        DateLabel(end, loc),
			CompletedCount:  c.Completed,
			TotalCount:      c.Total,
			ProgressPercent: c.Percent,
			Left:            clamp(ratio(start.Sub(row.WindowStart), length), 0, 100),
			Width:           clamp(ratio(end.Sub(start), length), MinBarWidth, 100),
		})
	}
	return row
}

func stageWindow(tasks []Task, now time.Time) (time.Time, time.Time) {
	start := orNow(tasks[0].CreatedAt, now)
	end := orNow(tasks[0].DueDate, now)
	for _, t := range tasks[1:] {
		if s := orNow(t.CreatedAt, now); s.Before(start) {
			start = s
		}
		if e := orNow(t.DueDate, now); e.After(end) {
			end = e
		}
	}
	return start, end
}

func ratio(part, whole time.Duration) float64 {
	return float64(part) / float64(whole) * 100
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
