package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"progress-api/domain"
	"progress-api/storage"
)

var (
	errItemNotFound     = errors.New("checklist item not found")
	errResourceNotFound = errors.New("resource not found")
	errNotAssignee      = errors.New("only the assignee can write a reflection")
	errNotAuthor        = errors.New("only the author can delete this")
	errUnknownEntity    = errors.New("unknown entity type")
	errMissingIdentity  = errors.New("command has no user")
)

// Store defines the table operations commands are applied with.
type Store interface {
	GetTask(ctx context.Context, projectID, taskID string) (*domain.Task, error)
	ListChecklist(ctx context.Context, taskID string) ([]domain.ChecklistItem, error)
	UpsertChecklistItem(ctx context.Context, projectID string, item domain.ChecklistItem) error
	UpdateMemberTags(ctx context.Context, projectID, userID string, tags []string) error
	RenameProject(ctx context.Context, projectID, name string) error
	UpsertFeedback(ctx context.Context, projectID string, fb domain.Feedback) error
	InsertResource(ctx context.Context, r domain.Resource) error
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	UpdateTask(ctx context.Context, projectID string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, projectID, taskID string) error
	DeleteChecklistItem(ctx context.Context, taskID, itemID string) error
	GetFeedback(ctx context.Context, projectID, feedbackID string) (*domain.Feedback, error)
	DeleteFeedback(ctx context.Context, projectID, feedbackID string) error
	GetResource(ctx context.Context, projectID, resourceID string) (*domain.Resource, error)
	DeleteResource(ctx context.Context, projectID, resourceID string) error
	SetResourceLike(ctx context.Context, l domain.ResourceLike, liked bool) error
	InsertReply(ctx context.Context, r domain.ResourceReply) error
	GetReply(ctx context.Context, projectID, replyID string) (*domain.ResourceReply, error)
	DeleteReply(ctx context.Context, projectID, replyID string) error
}

// Orchestrator routes commands to the handler of their entity type.
type Orchestrator struct {
	st  Store
	now func() time.Time
}

func NewOrchestrator(st Store) Orchestrator {
	return Orchestrator{st: st, now: time.Now}
}

// Apply validates the command of env and writes its effect to the tables.
func (o Orchestrator) Apply(ctx context.Context, env domain.CommandEnvelope) error {
	if env.UserID == "" {
		return errMissingIdentity
	}
	cmd := env.Command
	payload, err := domain.DecodeCommand(cmd)
	if err != nil {
		return err
	}
	if cmd.EntityType == "" {
		cmd.EntityType, _ = domain.EntityTypeOf(cmd.Type)
	}

	switch cmd.EntityType {
	case domain.EntityTask:
		return o.applyTask(ctx, env.UserID, cmd, payload)
	case domain.EntityMember:
		data := payload.(*domain.MemberTagsData)
		return o.st.UpdateMemberTags(ctx, cmd.ProjectID, env.UserID, trimAll(data.Tags))
	case domain.EntityProject:
		data := payload.(*domain.ProjectRenameData)
		return o.st.RenameProject(ctx, cmd.ProjectID, strings.TrimSpace(data.Name))
	case domain.EntityFeedback:
		if data, ok := payload.(*domain.FeedbackDeleteData); ok {
			return o.deleteFeedback(ctx, env.UserID, cmd, data)
		}
		return o.applyFeedback(ctx, env.UserID, cmd, payload.(*domain.FeedbackData))
	case domain.EntityResource:
		return o.applyResource(ctx, env.UserID, cmd, payload)
	default:
		return fmt.Errorf("%w %s", errUnknownEntity, cmd.EntityType)
	}
}

func (o Orchestrator) applyTask(ctx context.Context, userID string, cmd domain.Command, payload any) error {
	var taskID string
	switch data := payload.(type) {
	case *domain.ChecklistToggleData:
		taskID = data.TaskID
	case *domain.ChecklistAddData:
		taskID = data.TaskID
	case *domain.ChecklistEditData:
		taskID = data.TaskID
	case *domain.ChecklistDeleteData:
		taskID = data.TaskID
	case *domain.TaskCompleteData:
		taskID = data.TaskID
	case *domain.TaskUpdateData:
		taskID = data.TaskID
	case *domain.TaskDeleteData:
		taskID = data.TaskID
	}
	task, err := o.st.GetTask(ctx, cmd.ProjectID, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		if cmd.Type == domain.TaskDeleted || cmd.Type == domain.ChecklistItemDeleted {
			return nil
		}
		log.WithFields(log.Fields{"project": cmd.ProjectID, "task": taskID, "type": cmd.Type}).Error("command for missing task")
		return fmt.Errorf("task %s: %w", taskID, domain.ErrTaskNotFound)
	}

	at := o.commandTime(cmd)
	switch data := payload.(type) {
	case *domain.ChecklistToggleData:
		items, err := o.st.ListChecklist(ctx, taskID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.ID != data.ItemID {
				continue
			}
			if item.Done == data.Done {
				return nil
			}
			item.Done = data.Done
			item.CompletedAt = nil
			if data.Done {
				item.CompletedAt = &at
			}
			return o.st.UpsertChecklistItem(ctx, cmd.ProjectID, item)
		}
		return fmt.Errorf("item %s of task %s: %w", data.ItemID, taskID, errItemNotFound)

	case *domain.ChecklistAddData:
		return o.st.UpsertChecklistItem(ctx, cmd.ProjectID, domain.ChecklistItem{
			ID:      commandID(cmd),
			TaskID:  taskID,
			Content: strings.TrimSpace(data.Content),
		})

	case *domain.TaskCompleteData:
		items, err := o.st.ListChecklist(ctx, taskID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("task %s: %w", taskID, domain.ErrEmptyChecklist)
		}
		for _, item := range items {
			if item.Done {
				continue
			}
			item.Done = true
			item.CompletedAt = &at
			if err := o.st.UpsertChecklistItem(ctx, cmd.ProjectID, item); err != nil {
				return err
			}
		}
		log.WithFields(log.Fields{"project": cmd.ProjectID, "task": taskID, "user": userID}).Debug("task completed")
		return nil

	case *domain.ChecklistEditData:
		items, err := o.st.ListChecklist(ctx, taskID)
		if err != nil {
			return err
		}
		content := strings.TrimSpace(data.Content)
		for _, item := range items {
			if item.ID != data.ItemID {
				continue
			}
			if item.Content == content {
				return nil
			}
			item.Content = content
			return o.st.UpsertChecklistItem(ctx, cmd.ProjectID, item)
		}
		return fmt.Errorf("item %s of task %s: %w", data.ItemID, taskID, errItemNotFound)

	case *domain.ChecklistDeleteData:
		return o.st.DeleteChecklistItem(ctx, taskID, data.ItemID)

	case *domain.TaskUpdateData:
		patch, err := o.taskPatch(ctx, cmd.ProjectID, data)
		if err != nil {
			return err
		}
		return o.st.UpdateTask(ctx, cmd.ProjectID, patch)

	case *domain.TaskDeleteData:
		log.WithFields(log.Fields{"project": cmd.ProjectID, "task": taskID, "user": userID}).Info("deleting task")
		return o.st.DeleteTask(ctx, cmd.ProjectID, taskID)
	}
	return fmt.Errorf("unexpected payload %T for %s", payload, cmd.Type)
}

func (o Orchestrator) applyFeedback(ctx context.Context, userID string, cmd domain.Command, data *domain.FeedbackData) error {
	task, err := o.st.GetTask(ctx, cmd.ProjectID, data.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s: %w", data.TaskID, domain.ErrTaskNotFound)
	}
	if data.Reflection && task.AssigneeID != userID {
		return errNotAssignee
	}
	at := o.commandTime(cmd)
	fb := domain.Feedback{
		ID:         commandID(cmd),
		TaskID:     data.TaskID,
		UserID:     userID,
		Content:    strings.TrimSpace(data.Content),
		Rating:     data.Rating,
		Reflection: data.Reflection,
		CreatedAt:  &at,
	}
	return o.st.UpsertFeedback(ctx, cmd.ProjectID, fb)
}

// taskPatch normalizes the fields of data. A new assignee must belong to
// the project; an empty one unassigns the task.
func (o Orchestrator) taskPatch(ctx context.Context, projectID string, data *domain.TaskUpdateData) (domain.TaskPatch, error) {
	patch := domain.TaskPatch{TaskID: data.TaskID, Description: data.Description}
	if data.Title != nil {
		title := strings.TrimSpace(*data.Title)
		patch.Title = &title
	}
	if data.AssigneeID != nil {
		if *data.AssigneeID != "" {
			ok, err := o.st.IsMember(ctx, projectID, *data.AssigneeID)
			if err != nil {
				return domain.TaskPatch{}, err
			}
			if !ok {
				return domain.TaskPatch{}, fmt.Errorf("assignee %s: %w", *data.AssigneeID, domain.ErrNotMember)
			}
		}
		patch.AssigneeID = data.AssigneeID
	}
	if data.DueDate != nil {
		// bare dates stay bare so readers place them in the project's zone
		due := strings.TrimSpace(*data.DueDate)
		patch.DueDate = &due
	}
	return patch, nil
}

func (o Orchestrator) deleteFeedback(ctx context.Context, userID string, cmd domain.Command, data *domain.FeedbackDeleteData) error {
	fb, err := o.st.GetFeedback(ctx, cmd.ProjectID, data.FeedbackID)
	if err != nil || fb == nil {
		return err
	}
	if fb.UserID != userID {
		return fmt.Errorf("feedback %s: %w", fb.ID, errNotAuthor)
	}
	return o.st.DeleteFeedback(ctx, cmd.ProjectID, fb.ID)
}

func (o Orchestrator) applyResource(ctx context.Context, userID string, cmd domain.Command, payload any) error {
	at := o.commandTime(cmd)
	switch data := payload.(type) {
	case *domain.ResourceData:
		return o.st.InsertResource(ctx, domain.Resource{
			ID:          commandID(cmd),
			ProjectID:   cmd.ProjectID,
			UserID:      userID,
			Title:       strings.TrimSpace(data.Title),
			Link:        strings.TrimSpace(data.Link),
			Description: strings.TrimSpace(data.Description),
			Tag:         strings.TrimSpace(data.Tag),
			CreatedAt:   &at,
		})

	case *domain.ResourceDeleteData:
		r, err := o.st.GetResource(ctx, cmd.ProjectID, data.ResourceID)
		if err != nil || r == nil {
			return err
		}
		if r.UserID != userID {
			return fmt.Errorf("resource %s: %w", r.ID, errNotAuthor)
		}
		return o.st.DeleteResource(ctx, cmd.ProjectID, r.ID)

	case *domain.ResourceLikeData:
		if err := o.requireResource(ctx, cmd.ProjectID, data.ResourceID); err != nil {
			return err
		}
		return o.st.SetResourceLike(ctx, domain.ResourceLike{
			ProjectID:  cmd.ProjectID,
			ResourceID: data.ResourceID,
			UserID:     userID,
			CreatedAt:  &at,
		}, data.Liked)

	case *domain.ResourceReplyData:
		if err := o.requireResource(ctx, cmd.ProjectID, data.ResourceID); err != nil {
			return err
		}
		return o.st.InsertReply(ctx, domain.ResourceReply{
			ID:         commandID(cmd),
			ProjectID:  cmd.ProjectID,
			ResourceID: data.ResourceID,
			UserID:     userID,
			Content:    strings.TrimSpace(data.Content),
			CreatedAt:  &at,
		})

	case *domain.ResourceReplyDeleteData:
		reply, err := o.st.GetReply(ctx, cmd.ProjectID, data.ReplyID)
		if err != nil || reply == nil {
			return err
		}
		if reply.UserID != userID {
			return fmt.Errorf("reply %s: %w", reply.ID, errNotAuthor)
		}
		return o.st.DeleteReply(ctx, cmd.ProjectID, reply.ID)
	}
	return fmt.Errorf("unexpected payload %T for %s", payload, cmd.Type)
}

func (o Orchestrator) requireResource(ctx context.Context, projectID, resourceID string) error {
	r, err := o.st.GetResource(ctx, projectID, resourceID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("resource %s: %w", resourceID, errResourceNotFound)
	}
	return nil
}

// commandTime is the submission time carried by the command, or now for
// commands enqueued without one.
func (o Orchestrator) commandTime(cmd domain.Command) time.Time {
	if cmd.Timestamp > 0 {
		return time.Unix(0, cmd.Timestamp).UTC()
	}
	return o.now().UTC()
}

// commandID is the row key for rows a command creates. The API assigns
// every command an id, so a redelivered command rewrites the same row while
// two users sending the same idempotency key never share one.
func commandID(cmd domain.Command) string {
	if cmd.ID != "" {
		return cmd.ID
	}
	return uuid.NewString()
}

func trimAll(tags []string) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = strings.TrimSpace(t)
	}
	return out
}

// isPermanent reports whether retrying a command can never succeed.
func isPermanent(err error) bool {
	switch {
	case domain.IsValidationError(err),
		errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrEmptyChecklist),
		errors.Is(err, domain.ErrNotMember),
		errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, errItemNotFound),
		errors.Is(err, errResourceNotFound),
		errors.Is(err, errNotAssignee),
		errors.Is(err, errNotAuthor),
		storage.IsRejected(err),
		errors.Is(err, errUnknownEntity),
		errors.Is(err, errMissingIdentity):
		return true
	}
	return false
}
