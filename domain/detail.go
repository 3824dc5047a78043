package domain

import (
	"sort"
	"time"
)

// FeedbackEntry is a feedback row with its author resolved.
type FeedbackEntry struct {
	Feedback
	Author *User `json:"author,omitempty"`
}

// TaskDetail is everything shown when one task is opened.
type TaskDetail struct {
	Task
	Assignee   *User           `json:"assignee,omitempty"`
	Completion Completion      `json:"completion"`
	Complete   bool            `json:"complete"`
	Overdue    bool            `json:"overdue"`
	DaysLeft   *int            `json:"daysLeft,omitempty"`
	Feedbacks  []FeedbackEntry `json:"feedbacks"`
	Reflection *FeedbackEntry  `json:"reflection,omitempty"`
	Rating     RatingAverage   `json:"avgRating"`
}

// DescribeTask assembles the detail view of taskID. Peer feedback is listed
// oldest first; only the assignee's reflection is shown.
func DescribeTask(s Snapshot, taskID string, now time.Time) (TaskDetail, bool) {
	t, ok := s.Task(taskID)
	if !ok {
		return TaskDetail{}, false
	}
	users := s.UserIndex()
	card := NewTaskCard(t, users, now)
	d := TaskDetail{
		Task:       t,
		Assignee:   card.Assignee,
		Completion: card.Completion,
		Complete:   card.Complete,
		Overdue:    card.Overdue,
		DaysLeft:   card.DaysLeft,
		Feedbacks:  []FeedbackEntry{},
		Rating:     AverageRating(s.Feedbacks, map[string]struct{}{taskID: {}}),
	}
	if d.Checklist == nil {
		d.Checklist = []ChecklistItem{}
	}
	for _, f := range s.Feedbacks {
		if f.TaskID != taskID {
			continue
		}
		entry := FeedbackEntry{Feedback: f, Author: lookupUser(users, f.UserID)}
		if f.Reflection {
			if f.UserID == t.AssigneeID {
				e := entry
				d.Reflection = &e
			}
			continue
		}
		d.Feedbacks = append(d.Feedbacks, entry)
	}
	sort.SliceStable(d.Feedbacks, func(i, j int) bool {
		return createdBefore(d.Feedbacks[i].CreatedAt, d.Feedbacks[j].CreatedAt)
	})
	return d, true
}

// ReplyEntry is a resource reply with its author resolved.
type ReplyEntry struct {
	ResourceReply
	Author *User `json:"author,omitempty"`
}

// ResourceCard is a shared resource with its likes and replies.
type ResourceCard struct {
	Resource
	Author    *User        `json:"author,omitempty"`
	LikeCount int          `json:"likeCount"`
	Liked     bool         `json:"liked"`
	Replies   []ReplyEntry `json:"replies"`
}

// ResourceFeed lists the shared resources newest first, as seen by userID.
// A non-empty tag keeps only resources carrying it. Replies are oldest first.
func ResourceFeed(s Snapshot, userID, tag string) []ResourceCard {
	users := s.UserIndex()
	likes := make(map[string]int)
	liked := make(map[string]bool)
	for _, l := range s.Likes {
		likes[l.ResourceID]++
		if l.UserID == userID {
			liked[l.ResourceID] = true
		}
	}
	replies := make(map[string][]ReplyEntry)
	for _, r := range s.Replies {
		replies[r.ResourceID] = append(replies[r.ResourceID], ReplyEntry{ResourceReply: r, Author: lookupUser(users, r.UserID)})
	}

	cards := []ResourceCard{}
	for _, r := range s.Resources {
		if tag != "" && r.Tag != tag {
			continue
		}
		rs := replies[r.ID]
		if rs == nil {
			rs = []ReplyEntry{}
		}
		sort.SliceStable(rs, func(i, j int) bool { return createdBefore(rs[i].CreatedAt, rs[j].CreatedAt) })
		cards = append(cards, ResourceCard{
			Resource:  r,
			Author:    lookupUser(users, r.UserID),
			LikeCount: likes[r.ID],
			Liked:     liked[r.ID],
			Replies:   rs,
		})
	}
	sort.SliceStable(cards, func(i, j int) bool { return createdBefore(cards[j].CreatedAt, cards[i].CreatedAt) })
	return cards
}

// createdBefore orders by creation time with undated rows first.
func createdBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	}
	return a.Before(*b)
}
