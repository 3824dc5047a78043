package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"progress-api/domain"
)

const (
	postCommandMaxSize    = "64K"
	maxCommandsPerRequest = 50
	enqueueTimeout        = 10 * time.Second
	streamKeepAlive       = 25 * time.Second
)

// Storage abstracts persistence for handlers.
type Storage interface {
	LoadSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error)
	ListProjects(ctx context.Context, userID string) ([]domain.Project, error)
	EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// Claim records the keys and reports which of them were free.
	Claim(ctx context.Context, userID string, keys []string) ([]bool, error)
	// Release frees claimed keys after the commands could not be enqueued.
	Release(ctx context.Context, userID string, keys ...string) error
}

// Notifier hands out per-project update signals to stream handlers.
type Notifier interface {
	Subscribe(projectID string) (<-chan struct{}, func())
}

// Options wires the handler dependencies.
type Options struct {
	Store    Storage
	Auth     Authenticator
	Deduper  Deduper
	Notifier Notifier
	Logger   *log.Logger
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// postCommandResponse is the POST /api/commands response body.
type postCommandResponse struct {
	IdempotencyKeys []string            `json:"idempotencyKeys,omitempty"`
	Duplicates      []string            `json:"duplicates,omitempty"`
	Error           string              `json:"error,omitempty"`
	Index           *int                `json:"index,omitempty"`
	Fields          []domain.FieldError `json:"fields,omitempty"`
}

// progressResponse is the GET /api/projects/:id/progress body and the SSE
// payload.
type progressResponse struct {
	Project  domain.Project         `json:"project"`
	Progress domain.Completion      `json:"progress"`
	Stages   []domain.StageTimeline `json:"stages"`
}

type errorResponse struct {
	Error string `json:"error"`
}
