package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Command types accepted on the write path.
const (
	ChecklistItemToggled = "checklist-item-toggled"
	ChecklistItemAdded   = "checklist-item-added"
	ChecklistItemEdited  = "checklist-item-edited"
	ChecklistItemDeleted = "checklist-item-deleted"
	TaskCompleted        = "task-completed"
	TaskUpdated          = "task-updated"
	TaskDeleted          = "task-deleted"
	MemberTagsUpdated    = "member-tags-updated"
	ProjectRenamed       = "project-renamed"
	FeedbackSubmitted    = "feedback-submitted"
	FeedbackDeleted      = "feedback-deleted"
	ResourceShared       = "resource-shared"
	ResourceDeleted      = "resource-deleted"
	ResourceLiked        = "resource-liked"
	ResourceReplied      = "resource-replied"
	ResourceReplyDeleted = "resource-reply-deleted"
)

// Entity types commands are routed by.
const (
	EntityTask     = "task"
	EntityMember   = "member"
	EntityProject  = "project"
	EntityFeedback = "feedback"
	EntityResource = "resource"
)

// Command represents a write request for the domain model.
type Command struct {
	// ID is assigned by the API when the command is accepted. Rows created
	// by the command are keyed by it.
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	ProjectID      string                 `json:"projectId"`
	EntityType     string                 `json:"entityType"`
	Type           string                 `json:"type"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// CommandEnvelope wraps a command with the user performing it.
type CommandEnvelope struct {
	UserID  string  `json:"userId"`
	Command Command `json:"command"`
}

type ChecklistToggleData struct {
	TaskID string `json:"taskId" validate:"required,rowkey"`
	ItemID string `json:"itemId" validate:"required,rowkey"`
	Done   bool   `json:"done"`
}

type ChecklistAddData struct {
	TaskID  string `json:"taskId" validate:"required,rowkey"`
	Content string `json:"content" validate:"notblank,max=200"`
}

type ChecklistEditData struct {
	TaskID  string `json:"taskId" validate:"required,rowkey"`
	ItemID  string `json:"itemId" validate:"required,rowkey"`
	Content string `json:"content" validate:"notblank,max=200"`
}

type ChecklistDeleteData struct {
	TaskID string `json:"taskId" validate:"required,rowkey"`
	ItemID string `json:"itemId" validate:"required,rowkey"`
}

type TaskCompleteData struct {
	TaskID string `json:"taskId" validate:"required,rowkey"`
}

// TaskUpdateData changes the fields that are present. An empty dueDate
// clears the due date.
type TaskUpdateData struct {
	TaskID      string  `json:"taskId" validate:"required,rowkey"`
	Title       *string `json:"title,omitempty" validate:"omitempty,notblank,max=100"`
	AssigneeID  *string `json:"assigneeId,omitempty" validate:"omitempty,rowkey"`
	DueDate     *string `json:"dueDate,omitempty" validate:"omitempty,max=40"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
}

type TaskDeleteData struct {
	TaskID string `json:"taskId" validate:"required,rowkey"`
}

type MemberTagsData struct {
	Tags []string `json:"tags" validate:"min=1,max=5,unique,default_tag,dive,notblank,max=30"`
}

type ProjectRenameData struct {
	Name string `json:"name" validate:"notblank,max=100"`
}

type FeedbackData struct {
	TaskID     string `json:"taskId" validate:"required,rowkey"`
	Content    string `json:"content" validate:"notblank,max=2000"`
	Rating     *int   `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Reflection bool   `json:"reflection"`
}

type ResourceData struct {
	Title       string `json:"title" validate:"notblank,max=200"`
	Link        string `json:"link" validate:"required,url"`
	Description string `json:"description" validate:"max=2000"`
	Tag         string `json:"tag" validate:"max=30"`
}

type FeedbackDeleteData struct {
	FeedbackID string `json:"feedbackId" validate:"required,rowkey"`
}

type ResourceDeleteData struct {
	ResourceID string `json:"resourceId" validate:"required,rowkey"`
}

type ResourceLikeData struct {
	ResourceID string `json:"resourceId" validate:"required,rowkey"`
	Liked      bool   `json:"liked"`
}

type ResourceReplyData struct {
	ResourceID string `json:"resourceId" validate:"required,rowkey"`
	Content    string `json:"content" validate:"notblank,max=1000"`
}

type ResourceReplyDeleteData struct {
	ResourceID string `json:"resourceId" validate:"required,rowkey"`
	ReplyID    string `json:"replyId" validate:"required,rowkey"`
}

var commandEntities = map[string]string{
	ChecklistItemToggled: EntityTask,
	ChecklistItemAdded:   EntityTask,
	ChecklistItemEdited:  EntityTask,
	ChecklistItemDeleted: EntityTask,
	TaskCompleted:        EntityTask,
	TaskUpdated:          EntityTask,
	TaskDeleted:          EntityTask,
	MemberTagsUpdated:    EntityMember,
	ProjectRenamed:       EntityProject,
	FeedbackSubmitted:    EntityFeedback,
	FeedbackDeleted:      EntityFeedback,
	ResourceShared:       EntityResource,
	ResourceDeleted:      EntityResource,
	ResourceLiked:        EntityResource,
	ResourceReplied:      EntityResource,
	ResourceReplyDeleted: EntityResource,
}

// newPayload returns an empty payload for cmdType.
func newPayload(cmdType string) any {
	switch cmdType {
	case ChecklistItemToggled:
		return &ChecklistToggleData{}
	case ChecklistItemAdded:
		return &ChecklistAddData{}
	case ChecklistItemEdited:
		return &ChecklistEditData{}
	case ChecklistItemDeleted:
		return &ChecklistDeleteData{}
	case TaskCompleted:
		return &TaskCompleteData{}
	case TaskUpdated:
		return &TaskUpdateData{}
	case TaskDeleted:
		return &TaskDeleteData{}
	case MemberTagsUpdated:
		return &MemberTagsData{}
	case ProjectRenamed:
		return &ProjectRenameData{}
	case FeedbackSubmitted:
		return &FeedbackData{}
	case FeedbackDeleted:
		return &FeedbackDeleteData{}
	case ResourceShared:
		return &ResourceData{}
	case ResourceDeleted:
		return &ResourceDeleteData{}
	case ResourceLiked:
		return &ResourceLikeData{}
	case ResourceReplied:
		return &ResourceReplyData{}
	case ResourceReplyDeleted:
		return &ResourceReplyDeleteData{}
	}
	return nil
}

// EntityTypeOf returns the entity a command type applies to.
func EntityTypeOf(cmdType string) (string, bool) {
	et, ok := commandEntities[cmdType]
	return et, ok
}

// DecodeCommand unmarshals and validates the payload of cmd, returning one of
// the *Data types above.
func DecodeCommand(cmd Command) (any, error) {
	if cmd.ProjectID == "" {
		return nil, NewValidationError(fmt.Errorf("invalid command"), FieldError{Field: "projectId", Error: "projectId is a required field"})
	}
	et, ok := EntityTypeOf(cmd.Type)
	if !ok {
		return nil, NewValidationError(fmt.Errorf("unknown command type %q", cmd.Type))
	}
	if cmd.EntityType != "" && cmd.EntityType != et {
		return nil, NewValidationError(fmt.Errorf("command %s does not apply to %s", cmd.Type, cmd.EntityType))
	}
	if err := validate.Var(cmd.IdempotencyKey, "omitempty,rowkey"); err != nil {
		return nil, NewValidationError(fmt.Errorf("invalid command"), FieldError{Field: "idempotencyKey", Error: "idempotencyKey must be at most 128 printable characters without / \\ # or ?"})
	}

	payload := newPayload(cmd.Type)
	if len(cmd.Data) == 0 {
		return nil, NewValidationError(fmt.Errorf("command %s has no data", cmd.Type))
	}
	if err := sonic.Unmarshal(cmd.Data, payload); err != nil {
		return nil, NewValidationError(fmt.Errorf("command %s: invalid data: %w", cmd.Type, err))
	}
	if err := ValidateStruct(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
