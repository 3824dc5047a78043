package domain

import (
	"sort"
	"time"
)

// Project is the top level grouping of tasks.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	StageCount int    `json:"stageCount"`
}

// SortProjects orders projects by name, then id.
func SortProjects(ps []Project) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].ID < ps[j].ID
	})
}

// User is a chat-platform identity known to the service.
type User struct {
	ID      string `json:"lineId"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

// Member links a user to a project.
type Member struct {
	ProjectID string   `json:"projectId"`
	UserID    string   `json:"userId"`
	RealName  string   `json:"realName"`
	Tags      []string `json:"tags"`
}

// Feedback is a peer comment on a task, or the assignee's own reflection.
type Feedback struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	UserID     string     `json:"userId"`
	Content    string     `json:"content"`
	Rating     *int       `json:"rating,omitempty"`
	Reflection bool       `json:"reflection"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// Resource is a link shared with the project.
type Resource struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	UserID      string     `json:"userId"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Description string     `json:"description,omitempty"`
	Tag         string     `json:"tag,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// ResourceLike records that a user liked a resource.
type ResourceLike struct {
	ProjectID  string     `json:"projectId"`
	ResourceID string     `json:"resourceId"`
	UserID     string     `json:"userId"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// ResourceReply is a comment left on a shared resource.
type ResourceReply struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	ResourceID string     `json:"resourceId"`
	UserID     string     `json:"userId"`
	Content    string     `json:"content"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// Snapshot holds every row of one project as retrieved from storage.
// Aggregations only ever read from it.
type Snapshot struct {
	Project   Project         `json:"project"`
	Tasks     []Task          `json:"tasks"`
	Users     []User          `json:"users"`
	Members   []Member        `json:"members"`
	Feedbacks []Feedback      `json:"feedbacks"`
	Resources []Resource      `json:"resources"`
	Likes     []ResourceLike  `json:"likes"`
	Replies   []ResourceReply `json:"replies"`
}

// UserIndex maps user ids to users.
func (s Snapshot) UserIndex() map[string]User {
	idx := make(map[string]User, len(s.Users))
	for _, u := range s.Users {
		idx[u.ID] = u
	}
	return idx
}

// Member returns the membership row of userID, if any.
func (s Snapshot) Member(userID string) (Member, bool) {
	for _, m := range s.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// Task returns the task with the given id.
func (s Snapshot) Task(taskID string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == taskID {
			return t, true
		}
	}
	return Task{}, false
}

// IsMember reports whether userID belongs to the project.
func (s Snapshot) IsMember(userID string) bool {
	_, ok := s.Member(userID)
	return ok
}

// ReferencedUserIDs lists the distinct users referenced by tasks, members,
// feedback and resources, in first-seen order.
func (s Snapshot) ReferencedUserIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, m := range s.Members {
		add(m.UserID)
	}
	for _, t := range s.Tasks {
		add(t.AssigneeID)
	}
	for _, f := range s.Feedbacks {
		add(f.UserID)
	}
	for _, r := range s.Resources {
		add(r.UserID)
	}
	for _, r := range s.Replies {
		add(r.UserID)
	}
	return ids
}

func lookupUser(users map[string]User, id string) *User {
	if id == "" {
		return nil
	}
	u, ok := users[id]
	if !ok {
		return nil
	}
	return &u
}
