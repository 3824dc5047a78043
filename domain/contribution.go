package domain

// MemberContribution describes what a member brought to the project.
type MemberContribution struct {
	UserID    string   `json:"userId"`
	Tags      []string `json:"tags"`
	Resources int      `json:"resources"`
	Comments  int      `json:"comments"`
}

// Contribution counts the resources userID shared and the peer comments they
// wrote on the project's tasks.
func Contribution(s Snapshot, userID string) MemberContribution {
	c := MemberContribution{UserID: userID, Tags: []string{}}
	if m, ok := s.Member(userID); ok && len(m.Tags) > 0 {
		c.Tags = m.Tags
	}
	for _, r := range s.Resources {
		if r.UserID == userID {
			c.Resources++
		}
	}
	tasks := make(map[string]struct{}, len(s.Tasks))
	for _, t := range s.Tasks {
		tasks[t.ID] = struct{}{}
	}
	for _, f := range s.Feedbacks {
		if f.UserID != userID || f.Reflection {
			continue
		}
		if _, ok := tasks[f.TaskID]; ok {
			c.Comments++
		}
	}
	return c
}
