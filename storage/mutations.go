package storage

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"

	"progress-api/domain"
)

// GetTask retrieves a task without its checklist. It returns nil when the
// task does not exist.
func (s *Storage) GetTask(ctx context.Context, projectID, taskID string) (*domain.Task, error) {
	var ent taskEntity
	found, err := getEntity(ctx, s.tasks, projectID, taskID, &ent)
	if err != nil || !found {
		return nil, err
	}
	t := ent.toDomain(s.loc)
	return &t, nil
}

// UpsertChecklistItem creates or replaces a checklist row.
func (s *Storage) UpsertChecklistItem(ctx context.Context, projectID string, item domain.ChecklistItem) error {
	return upsertEntity(ctx, s.checklists, newChecklistEntity(projectID, item))
}

// UpdateMemberTags replaces the role tags of an existing member.
func (s *Storage) UpdateMemberTags(ctx context.Context, projectID, userID string, tags []string) error {
	encoded, err := encodeTags(tags)
	if err != nil {
		return err
	}
	err = mergeEntity(ctx, s.members, memberTagsUpdate{
		tableKeys: tableKeys{PartitionKey: projectID, RowKey: userID},
		Tags:      encoded,
	})
	if isStatus(err, 404) {
		return domain.ErrNotMember
	}
	return err
}

// RenameProject changes the display name of a project.
func (s *Storage) RenameProject(ctx context.Context, projectID, name string) error {
	err := mergeEntity(ctx, s.projects, projectUpdate{
		tableKeys: tableKeys{PartitionKey: projectID, RowKey: projectID},
		Name:      name,
	})
	if isStatus(err, 404) {
		return domain.ErrProjectNotFound
	}
	return err
}

// UpsertFeedback stores fb, replacing an earlier entry of the same kind by
// the same user on the same task.
func (s *Storage) UpsertFeedback(ctx context.Context, projectID string, fb domain.Feedback) error {
	return upsertEntity(ctx, s.feedbacks, newFeedbackEntity(projectID, fb))
}

// InsertResource adds a shared resource. Inserting a row that already exists
// is not an error so redelivered commands stay harmless.
func (s *Storage) InsertResource(ctx context.Context, r domain.Resource) error {
	data, err := sonic.Marshal(newResourceEntity(r))
	if err != nil {
		return err
	}
	if _, err := s.resources.AddEntity(ctx, data, nil); err != nil && !isStatus(err, 409) {
		return err
	}
	return nil
}

// IsMember reports whether userID has a membership row in projectID.
func (s *Storage) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	var ent memberEntity
	return getEntity(ctx, s.members, projectID, userID, &ent)
}

// UpdateTask merges the fields set in patch into an existing task.
func (s *Storage) UpdateTask(ctx context.Context, projectID string, patch domain.TaskPatch) error {
	err := mergeEntity(ctx, s.tasks, taskPatch{
		tableKeys:   tableKeys{PartitionKey: projectID, RowKey: patch.TaskID},
		Title:       patch.Title,
		AssigneeID:  patch.AssigneeID,
		Description: patch.Description,
		DueDate:     patch.DueDate,
	})
	if isStatus(err, 404) {
		return domain.ErrTaskNotFound
	}
	return err
}

// DeleteTask removes a task with its checklist and feedback. Rows already
// gone are skipped so a repeated delete succeeds.
func (s *Storage) DeleteTask(ctx context.Context, projectID, taskID string) error {
	items, err := queryEntities[checklistEntity](ctx, s.checklists, partitionFilter(taskID))
	if err != nil {
		return fmt.Errorf("list checklist: %w", err)
	}
	for _, it := range items {
		if err := deleteEntity(ctx, s.checklists, it.PartitionKey, it.RowKey); err != nil {
			return err
		}
	}
	feedbacks, err := queryEntities[feedbackEntity](ctx, s.feedbacks, propertyFilter(projectID, "TaskId", taskID))
	if err != nil {
		return fmt.Errorf("list feedback: %w", err)
	}
	for _, fb := range feedbacks {
		if err := deleteEntity(ctx, s.feedbacks, fb.PartitionKey, fb.RowKey); err != nil {
			return err
		}
	}
	return deleteEntity(ctx, s.tasks, projectID, taskID)
}

// DeleteChecklistItem removes one checklist row.
func (s *Storage) DeleteChecklistItem(ctx context.Context, taskID, itemID string) error {
	return deleteEntity(ctx, s.checklists, taskID, itemID)
}

// GetFeedback returns nil when the feedback row does not exist.
func (s *Storage) GetFeedback(ctx context.Context, projectID, feedbackID string) (*domain.Feedback, error) {
	var ent feedbackEntity
	found, err := getEntity(ctx, s.feedbacks, projectID, feedbackID, &ent)
	if err != nil || !found {
		return nil, err
	}
	fb := ent.toDomain(s.loc)
	return &fb, nil
}

func (s *Storage) DeleteFeedback(ctx context.Context, projectID, feedbackID string) error {
	return deleteEntity(ctx, s.feedbacks, projectID, feedbackID)
}

// GetResource returns nil when the resource does not exist.
func (s *Storage) GetResource(ctx context.Context, projectID, resourceID string) (*domain.Resource, error) {
	var ent resourceEntity
	found, err := getEntity(ctx, s.resources, projectID, resourceID, &ent)
	if err != nil || !found {
		return nil, err
	}
	r := ent.toDomain(s.loc)
	return &r, nil
}

// DeleteResource removes a resource together with its likes and replies.
func (s *Storage) DeleteResource(ctx context.Context, projectID, resourceID string) error {
	filter := propertyFilter(projectID, "ResourceId", resourceID)
	likes, err := queryEntities[likeEntity](ctx, s.likes, filter)
	if err != nil {
		return fmt.Errorf("list likes: %w", err)
	}
	for _, l := range likes {
		if err := deleteEntity(ctx, s.likes, l.PartitionKey, l.RowKey); err != nil {
			return err
		}
	}
	replies, err := queryEntities[replyEntity](ctx, s.replies, filter)
	if err != nil {
		return fmt.Errorf("list replies: %w", err)
	}
	for _, r := range replies {
		if err := deleteEntity(ctx, s.replies, r.PartitionKey, r.RowKey); err != nil {
			return err
		}
	}
	return deleteEntity(ctx, s.resources, projectID, resourceID)
}

// SetResourceLike records or withdraws the like of l.UserID.
func (s *Storage) SetResourceLike(ctx context.Context, l domain.ResourceLike, liked bool) error {
	if !liked {
		return deleteEntity(ctx, s.likes, l.ProjectID, LikeKey(l.ResourceID, l.UserID))
	}
	data, err := sonic.Marshal(newLikeEntity(l))
	if err != nil {
		return err
	}
	if _, err := s.likes.AddEntity(ctx, data, nil); err != nil && !isStatus(err, 409) {
		return err
	}
	return nil
}

// InsertReply adds a reply. Like InsertResource it tolerates a row that
// already exists.
func (s *Storage) InsertReply(ctx context.Context, r domain.ResourceReply) error {
	data, err := sonic.Marshal(newReplyEntity(r))
	if err != nil {
		return err
	}
	if _, err := s.replies.AddEntity(ctx, data, nil); err != nil && !isStatus(err, 409) {
		return err
	}
	return nil
}

// GetReply returns nil when the reply does not exist.
func (s *Storage) GetReply(ctx context.Context, projectID, replyID string) (*domain.ResourceReply, error) {
	var ent replyEntity
	found, err := getEntity(ctx, s.replies, projectID, replyID, &ent)
	if err != nil || !found {
		return nil, err
	}
	r := ent.toDomain(s.loc)
	return &r, nil
}

func (s *Storage) DeleteReply(ctx context.Context, projectID, replyID string) error {
	return deleteEntity(ctx, s.replies, projectID, replyID)
}
