package domain

import "time"

// MemberProfile is one card of the member overview.
type MemberProfile struct {
	UserID            string   `json:"userId"`
	Name              string   `json:"name"`
	Picture           string   `json:"picture,omitempty"`
	Tags              []string `json:"tags"`
	Total             int      `json:"total"`
	Completed         int      `json:"completed"`
	CompletedThisWeek int      `json:"completedThisWeek"`
}

// MemberStats builds a profile per member row, keeping member order.
func MemberStats(s Snapshot, now time.Time, loc *time.Location) []MemberProfile {
	weekStart := WeekStart(now, loc)
	users := s.UserIndex()
	out := make([]MemberProfile, 0, len(s.Members))
	for _, m := range s.Members {
		p := MemberProfile{UserID: m.UserID, Name: m.RealName, Tags: m.Tags}
		if p.Tags == nil {
			p.Tags = []string{}
		}
		if u, ok := users[m.UserID]; ok {
			if p.Name == "" {
				p.Name = u.Name
			}
			p.Picture = u.Picture
		}
		p.Total, p.Completed, p.CompletedThisWeek = UserTaskStats(s.Tasks, m.UserID, weekStart)
		out = append(out, p)
	}
	return out
}

// UserTaskStats counts the tasks assigned to userID, how many are complete
// and how many of those were finished on or after weekStart.
func UserTaskStats(tasks []Task, userID string, weekStart time.Time) (total, completed, thisWeek int) {
	for _, t := range tasks {
		if t.AssigneeID != userID {
			continue
		}
		total++
		if !t.IsComplete() {
			continue
		}
		completed++
		if latest := t.LatestCompletion(); latest != nil && !latest.Before(weekStart) {
			thisWeek++
		}
	}
	return total, completed, thisWeek
}
