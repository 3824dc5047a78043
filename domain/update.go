package domain

// ProjectUpdate is published after a command changed a project's rows.
type ProjectUpdate struct {
	ProjectID   string `json:"projectId"`
	CommandType string `json:"type"`
	UserID      string `json:"userId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
