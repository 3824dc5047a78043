package storage

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"progress-api/domain"
)

// tableKeys carries the keys every table entity is addressed by.
type tableKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type projectEntity struct {
	tableKeys
	Name       string `json:"Name"`
	StageCount *int   `json:"StageCount,omitempty"`
}

type projectUpdate struct {
	tableKeys
	Name string `json:"Name"`
}

// taskPatch carries only the task properties a merge should change.
type taskPatch struct {
	tableKeys
	Title       *string `json:"Title,omitempty"`
	AssigneeID  *string `json:"AssigneeId,omitempty"`
	Description *string `json:"Description,omitempty"`
	DueDate     *string `json:"DueDate,omitempty"`
}

type taskEntity struct {
	tableKeys
	Title       string `json:"Title"`
	AssigneeID  string `json:"AssigneeId"`
	Description string `json:"Description"`
	Status      int    `json:"Status"`
	CreatedAt   string `json:"CreatedAt"`
	DueDate     string `json:"DueDate"`
}

type checklistEntity struct {
	tableKeys
	ProjectID   string `json:"ProjectId"`
	Content     string `json:"Content"`
	Done        bool   `json:"Done"`
	CompletedAt string `json:"CompletedAt"`
}

type userEntity struct {
	tableKeys
	Name    string `json:"Name"`
	Picture string `json:"Picture"`
}

type memberEntity struct {
	tableKeys
	RealName string `json:"RealName"`
	// Tags is a JSON encoded string array.
	Tags string `json:"Tags"`
}

type memberTagsUpdate struct {
	tableKeys
	Tags string `json:"Tags"`
}

type feedbackEntity struct {
	tableKeys
	TaskID     string `json:"TaskId"`
	UserID     string `json:"UserId"`
	Content    string `json:"Content"`
	Rating     *int   `json:"Rating,omitempty"`
	Reflection bool   `json:"Reflection"`
	CreatedAt  string `json:"CreatedAt"`
}

type resourceEntity struct {
	tableKeys
	UserID      string `json:"UserId"`
	Title       string `json:"Title"`
	Link        string `json:"Link"`
	Description string `json:"Description"`
	Tag         string `json:"Tag"`
	CreatedAt   string `json:"CreatedAt"`
}

type likeEntity struct {
	tableKeys
	ResourceID string `json:"ResourceId"`
	UserID     string `json:"UserId"`
	CreatedAt  string `json:"CreatedAt"`
}

type replyEntity struct {
	tableKeys
	ResourceID string `json:"ResourceId"`
	UserID     string `json:"UserId"`
	Content    string `json:"Content"`
	CreatedAt  string `json:"CreatedAt"`
}

const defaultStageCount = 3

func (e projectEntity) toDomain() domain.Project {
	p := domain.Project{ID: e.RowKey, Name: e.Name, StageCount: defaultStageCount}
	if e.StageCount != nil {
		p.StageCount = *e.StageCount
	}
	return p
}

func (e taskEntity) toDomain(loc *time.Location) domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		ProjectID:   e.PartitionKey,
		Title:       e.Title,
		AssigneeID:  e.AssigneeID,
		Description: e.Description,
		Status:      e.Status,
		CreatedAt:   domain.ParseTimestamp(e.CreatedAt, loc),
		DueDate:     domain.ParseTimestamp(e.DueDate, loc),
		Checklist:   []domain.ChecklistItem{},
	}
}

func (e checklistEntity) toDomain(loc *time.Location) domain.ChecklistItem {
	item := domain.ChecklistItem{
		ID:      e.RowKey,
		TaskID:  e.PartitionKey,
		Content: e.Content,
		Done:    e.Done,
	}
	if e.Done {
		item.CompletedAt = domain.ParseTimestamp(e.CompletedAt, loc)
	}
	return item
}

func newChecklistEntity(projectID string, item domain.ChecklistItem) checklistEntity {
	ent := checklistEntity{
		tableKeys: tableKeys{PartitionKey: item.TaskID, RowKey: item.ID},
		ProjectID: projectID,
		Content:   item.Content,
		Done:      item.Done,
	}
	if item.Done {
		ent.CompletedAt = domain.FormatTimestamp(item.CompletedAt)
	}
	return ent
}

func (e userEntity) toDomain() domain.User {
	return domain.User{ID: e.RowKey, Name: e.Name, Picture: e.Picture}
}

func (e memberEntity) toDomain() domain.Member {
	return domain.Member{
		ProjectID: e.PartitionKey,
		UserID:    e.RowKey,
		RealName:  e.RealName,
		Tags:      decodeTags(e.Tags),
	}
}

// decodeTags accepts a JSON array or, for rows written by hand, a comma
// separated list.
func decodeTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	tags := []string{}
	if raw == "" {
		return tags
	}
	if strings.HasPrefix(raw, "[") {
		if err := sonic.UnmarshalString(raw, &tags); err == nil {
			return tags
		}
		tags = []string{}
	}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	return sonic.MarshalString(tags)
}

func (e feedbackEntity) toDomain(loc *time.Location) domain.Feedback {
	return domain.Feedback{
		ID:         e.RowKey,
		TaskID:     e.TaskID,
		UserID:     e.UserID,
		Content:    e.Content,
		Rating:     e.Rating,
		Reflection: e.Reflection,
		CreatedAt:  domain.ParseTimestamp(e.CreatedAt, loc),
	}
}

// FeedbackKey is the row key of a feedback entry. A user keeps one comment
// and one reflection per task, so resubmitting replaces the previous row.
func FeedbackKey(taskID, userID string, reflection bool) string {
	kind := "comment"
	if reflection {
		kind = "reflection"
	}
	return taskID + "_" + userID + "_" + kind
}

func newFeedbackEntity(projectID string, fb domain.Feedback) feedbackEntity {
	return feedbackEntity{
		tableKeys:  tableKeys{PartitionKey: projectID, RowKey: FeedbackKey(fb.TaskID, fb.UserID, fb.Reflection)},
		TaskID:     fb.TaskID,
		UserID:     fb.UserID,
		Content:    fb.Content,
		Rating:     fb.Rating,
		Reflection: fb.Reflection,
		CreatedAt:  domain.FormatTimestamp(fb.CreatedAt),
	}
}

func (e resourceEntity) toDomain(loc *time.Location) domain.Resource {
	return domain.Resource{
		ID:          e.RowKey,
		ProjectID:   e.PartitionKey,
		UserID:      e.UserID,
		Title:       e.Title,
		Link:        e.Link,
		Description: e.Description,
		Tag:         e.Tag,
		CreatedAt:   domain.ParseTimestamp(e.CreatedAt, loc),
	}
}

func newResourceEntity(r domain.Resource) resourceEntity {
	return resourceEntity{
		tableKeys:   tableKeys{PartitionKey: r.ProjectID, RowKey: r.ID},
		UserID:      r.UserID,
		Title:       r.Title,
		Link:        r.Link,
		Description: r.Description,
		Tag:         r.Tag,
		CreatedAt:   domain.FormatTimestamp(r.CreatedAt),
	}
}

// LikeKey is the row key of a like. A user likes a resource at most once.
func LikeKey(resourceID, userID string) string {
	return resourceID + "_" + userID
}

func newLikeEntity(l domain.ResourceLike) likeEntity {
	return likeEntity{
		tableKeys:  tableKeys{PartitionKey: l.ProjectID, RowKey: LikeKey(l.ResourceID, l.UserID)},
		ResourceID: l.ResourceID,
		UserID:     l.UserID,
		CreatedAt:  domain.FormatTimestamp(l.CreatedAt),
	}
}

func (e likeEntity) toDomain(loc *time.Location) domain.ResourceLike {
	return domain.ResourceLike{
		ProjectID:  e.PartitionKey,
		ResourceID: e.ResourceID,
		UserID:     e.UserID,
		CreatedAt:  domain.ParseTimestamp(e.CreatedAt, loc),
	}
}

func newReplyEntity(r domain.ResourceReply) replyEntity {
	return replyEntity{
		tableKeys:  tableKeys{PartitionKey: r.ProjectID, RowKey: r.ID},
		ResourceID: r.ResourceID,
		UserID:     r.UserID,
		Content:    r.Content,
		CreatedAt:  domain.FormatTimestamp(r.CreatedAt),
	}
}

func (e replyEntity) toDomain(loc *time.Location) domain.ResourceReply {
	return domain.ResourceReply{
		ID:         e.RowKey,
		ProjectID:  e.PartitionKey,
		ResourceID: e.ResourceID,
		UserID:     e.UserID,
		Content:    e.Content,
		CreatedAt:  domain.ParseTimestamp(e.CreatedAt, loc),
	}
}
