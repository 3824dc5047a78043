package storage

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"progress-api/domain"
)

type checklistFetcher func(ctx context.Context, taskID string) ([]domain.ChecklistItem, error)

// LoadSnapshot reads every row belonging to projectID. Tasks whose checklist
// cannot be read are kept with an empty checklist.
func (s *Storage) LoadSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error) {
	var snap domain.Snapshot

	var project projectEntity
	found, err := getEntity(ctx, s.projects, projectID, projectID, &project)
	if err != nil {
		return snap, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if !found {
		return snap, domain.ErrProjectNotFound
	}
	snap.Project = project.toDomain()

	filter := partitionFilter(projectID)
	taskRows, err := queryEntities[taskEntity](ctx, s.tasks, filter)
	if err != nil {
		return snap, fmt.Errorf("load tasks: %w", err)
	}
	snap.Tasks = make([]domain.Task, len(taskRows))
	for i, row := range taskRows {
		snap.Tasks[i] = row.toDomain(s.loc)
	}
	attachChecklists(ctx, snap.Tasks, s.workers, s.ListChecklist)

	memberRows, err := queryEntities[memberEntity](ctx, s.members, filter)
	if err != nil {
		return snap, fmt.Errorf("load members: %w", err)
	}
	snap.Members = make([]domain.Member, len(memberRows))
	for i, row := range memberRows {
		snap.Members[i] = row.toDomain()
	}

	feedbackRows, err := queryEntities[feedbackEntity](ctx, s.feedbacks, filter)
	if err != nil {
		return snap, fmt.Errorf("load feedbacks: %w", err)
	}
	snap.Feedbacks = make([]domain.Feedback, len(feedbackRows))
	for i, row := range feedbackRows {
		snap.Feedbacks[i] = row.toDomain(s.loc)
	}

	resourceRows, err := queryEntities[resourceEntity](ctx, s.resources, filter)
	if err != nil {
		return snap, fmt.Errorf("load resources: %w", err)
	}
	snap.Resources = make([]domain.Resource, len(resourceRows))
	for i, row := range resourceRows {
		snap.Resources[i] = row.toDomain(s.loc)
	}

	likeRows, err := queryEntities[likeEntity](ctx, s.likes, filter)
	if err != nil {
		return snap, fmt.Errorf("load likes: %w", err)
	}
	snap.Likes = make([]domain.ResourceLike, len(likeRows))
	for i, row := range likeRows {
		snap.Likes[i] = row.toDomain(s.loc)
	}

	replyRows, err := queryEntities[replyEntity](ctx, s.replies, filter)
	if err != nil {
		return snap, fmt.Errorf("load replies: %w", err)
	}
	snap.Replies = make([]domain.ResourceReply, len(replyRows))
	for i, row := range replyRows {
		snap.Replies[i] = row.toDomain(s.loc)
	}

	snap.Users = []domain.User{}
	for _, f := range partitionFilters(snap.ReferencedUserIDs()) {
		rows, err := queryEntities[userEntity](ctx, s.users, f)
		if err != nil {
			return snap, fmt.Errorf("load users: %w", err)
		}
		for _, row := range rows {
			snap.Users = append(snap.Users, row.toDomain())
		}
	}
	return snap, nil
}

// ListProjects returns the projects userID is a member of, ordered by name.
func (s *Storage) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	memberRows, err := queryEntities[memberEntity](ctx, s.members, "RowKey eq '"+escapeFilterValue(userID)+"'")
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	ids := make([]string, 0, len(memberRows))
	for _, row := range memberRows {
		ids = append(ids, row.PartitionKey)
	}
	projects := []domain.Project{}
	for _, f := range partitionFilters(ids) {
		rows, err := queryEntities[projectEntity](ctx, s.projects, f)
		if err != nil {
			return nil, fmt.Errorf("load projects: %w", err)
		}
		for _, row := range rows {
			projects = append(projects, row.toDomain())
		}
	}
	domain.SortProjects(projects)
	return projects, nil
}

// ListChecklist returns the checklist items of taskID.
func (s *Storage) ListChecklist(ctx context.Context, taskID string) ([]domain.ChecklistItem, error) {
	rows, err := queryEntities[checklistEntity](ctx, s.checklists, partitionFilter(taskID))
	if err != nil {
		return nil, err
	}
	items := make([]domain.ChecklistItem, len(rows))
	for i, row := range rows {
		items[i] = row.toDomain(s.loc)
	}
	return items, nil
}

// attachChecklists fills each task's checklist using at most workers
// concurrent fetches.
func attachChecklists(ctx context.Context, tasks []domain.Task, workers int, fetch checklistFetcher) {
	if workers <= 0 {
		workers = defaultChecklistWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range tasks {
		t := &tasks[i]
		g.Go(func() error {
			items, err := fetch(ctx, t.ID)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"project": t.ProjectID, "task": t.ID}).Warn("checklist fetch failed; counting task as empty")
				t.Checklist = []domain.ChecklistItem{}
				return nil
			}
			if items == nil {
				items = []domain.ChecklistItem{}
			}
			t.Checklist = items
			return nil
		})
	}
	_ = g.Wait()
}
