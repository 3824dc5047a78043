package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"progress-api/domain"
)

type mockStore struct {
	snapshots  map[string]domain.Snapshot
	projects   map[string][]domain.Project
	loadErr    error
	enqueueErr error

	mu        sync.Mutex
	loads     int
	cmds      []domain.Command
	cmdUserID string
}

func (m *mockStore) LoadSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return domain.Snapshot{}, m.loadErr
	}
	snap, ok := m.snapshots[projectID]
	if !ok {
		return domain.Snapshot{}, domain.ErrProjectNotFound
	}
	return snap, nil
}

func (m *mockStore) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.projects[userID], nil
}

func (m *mockStore) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmdUserID = userID
	m.cmds = append(m.cmds, cmds...)
	return nil
}

func (m *mockStore) setSnapshot(snap domain.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Project.ID] = snap
}

func (m *mockStore) Commands() []domain.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Command, len(m.cmds))
	copy(out, m.cmds)
	return out
}

// mockAuth treats the bearer token as the user id.
type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "" {
		return "", errBadAuthorization
	}
	return user, nil
}

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }

func testSnapshot() domain.Snapshot {
	rating := 4
	return domain.Snapshot{
		Project: domain.Project{ID: "p1", Name: "Capstone", StageCount: 2},
		Tasks: []domain.Task{
			{
				ID: "t1", ProjectID: "p1", Title: "Research", AssigneeID: "alice", Status: 1,
				CreatedAt: ptrTime(testNow.AddDate(0, 0, -10)),
				DueDate:   ptrTime(testNow.AddDate(0, 0, -1)),
				Checklist: []domain.ChecklistItem{
					{ID: "i1", TaskID: "t1", Done: true, CompletedAt: ptrTime(testNow.AddDate(0, 0, -1))},
					{ID: "i2", TaskID: "t1", Done: true, CompletedAt: ptrTime(testNow.AddDate(0, 0, -2))},
				},
			},
			{
				ID: "t2", ProjectID: "p1", Title: "Prototype", AssigneeID: "bob", Status: 2,
				CreatedAt: ptrTime(testNow.AddDate(0, 0, -5)),
				DueDate:   ptrTime(testNow.AddDate(0, 0, 1)),
				Checklist: []domain.ChecklistItem{
					{ID: "i3", TaskID: "t2", Done: true},
					{ID: "i4", TaskID: "t2"},
				},
			},
		},
		Users: []domain.User{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob"}},
		Members: []domain.Member{
			{ProjectID: "p1", UserID: "alice", Tags: []string{"programming"}},
			{ProjectID: "p1", UserID: "bob", Tags: []string{"design"}},
		},
		Feedbacks: []domain.Feedback{{ID: "f1", TaskID: "t1", UserID: "bob", Content: "nice", Rating: &rating}},
		Resources: []domain.Resource{{ID: "r1", ProjectID: "p1", UserID: "bob", Title: "Doc", Link: "https://example.com", Tag: "docs"}},
		Likes:     []domain.ResourceLike{{ProjectID: "p1", ResourceID: "r1", UserID: "alice"}},
		Replies:   []domain.ResourceReply{{ID: "x1", ProjectID: "p1", ResourceID: "r1", UserID: "alice", Content: "thanks"}},
	}
}

func newTestServer(t *testing.T, store Storage, deduper Deduper) *echo.Echo {
	t.Helper()
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, Options{
		Store:   store,
		Auth:    mockAuth{},
		Deduper: deduper,
		Logger:  logger,
		Now:     func() time.Time { return testNow },
	})
	return e
}

func doRequest(e *echo.Echo, method, path, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestGetProgress(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/progress", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body progressResponse
	decodeBody(t, rec, &body)
	if body.Project.ID != "p1" {
		t.Fatalf("unexpected project: %+v", body.Project)
	}
	if body.Progress.Completed != 3 || body.Progress.Total != 4 || body.Progress.Percent != 75 {
		t.Fatalf("unexpected progress: %+v", body.Progress)
	}
	if len(body.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(body.Stages))
	}
	if len(body.Stages[0].Tasks) != 1 || body.Stages[0].Tasks[0].TaskID != "t1" {
		t.Fatalf("unexpected stage 1 tasks: %+v", body.Stages[0].Tasks)
	}
	if len(body.Stages[1].Tasks) != 1 || body.Stages[1].Tasks[0].TaskID != "t2" {
		t.Fatalf("unexpected stage 2 tasks: %+v", body.Stages[1].Tasks)
	}
}

func TestGetProgressEmptyStagesEncodedAsArray(t *testing.T) {
	snap := testSnapshot()
	snap.Project.StageCount = 0
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": snap}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/progress", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"stages":[]`) {
		t.Fatalf("expected empty stages array, got %s", rec.Body.String())
	}
}

func TestGetTasksTriageOrder(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/tasks", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cards []domain.TaskCard
	decodeBody(t, rec, &cards)
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].ID != "t2" || cards[1].ID != "t1" {
		t.Fatalf("expected incomplete task first, got %s then %s", cards[0].ID, cards[1].ID)
	}
	if cards[0].Assignee == nil || cards[0].Assignee.Name != "Bob" {
		t.Fatalf("expected assignee to be resolved, got %+v", cards[0].Assignee)
	}
	if !cards[1].Complete {
		t.Fatalf("expected t1 to be complete")
	}
}

func TestGetSummary(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/summary", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["total"] != float64(2) || body["completed"] != float64(1) {
		t.Fatalf("unexpected totals: %v", body)
	}
	if body["upcoming"] != float64(1) {
		t.Fatalf("expected one upcoming task, got %v", body["upcoming"])
	}
	if body["userTotal"] != float64(1) || body["userCompleted"] != float64(1) {
		t.Fatalf("unexpected user counts: %v", body)
	}
	if body["avgRating"] != float64(4) {
		t.Fatalf("unexpected average rating: %v", body["avgRating"])
	}
}

func TestGetMembers(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/members", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var profiles []domain.MemberProfile
	decodeBody(t, rec, &profiles)
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	byID := map[string]domain.MemberProfile{}
	for _, p := range profiles {
		byID[p.UserID] = p
	}
	alice := byID["alice"]
	if alice.Name != "Alice" || alice.Total != 1 || alice.Completed != 1 || alice.CompletedThisWeek != 1 {
		t.Fatalf("unexpected alice profile: %+v", alice)
	}
	if byID["bob"].Completed != 0 {
		t.Fatalf("unexpected bob profile: %+v", byID["bob"])
	}
}

func TestGetContribution(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/contribution", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var own domain.MemberContribution
	decodeBody(t, rec, &own)
	if own.UserID != "bob" || own.Resources != 1 || own.Comments != 1 {
		t.Fatalf("unexpected contribution: %+v", own)
	}

	rec = doRequest(e, http.MethodGet, "/api/projects/p1/contribution?userId=alice", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var other domain.MemberContribution
	decodeBody(t, rec, &other)
	if other.UserID != "alice" || other.Resources != 0 {
		t.Fatalf("unexpected contribution: %+v", other)
	}

	rec = doRequest(e, http.MethodGet, "/api/projects/p1/contribution?userId=mallory", "bob", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown member, got %d", rec.Code)
	}
}

func TestProjectRouteErrors(t *testing.T) {
	tests := []struct {
		name   string
		store  *mockStore
		path   string
		user   string
		status int
	}{
		{
			name:   "missing auth",
			store:  &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}},
			path:   "/api/projects/p1/progress",
			status: http.StatusUnauthorized,
		},
		{
			name:   "unknown project",
			store:  &mockStore{snapshots: map[string]domain.Snapshot{}},
			path:   "/api/projects/nope/tasks",
			user:   "alice",
			status: http.StatusNotFound,
		},
		{
			name:   "not a member",
			store:  &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}},
			path:   "/api/projects/p1/summary",
			user:   "mallory",
			status: http.StatusForbidden,
		},
		{
			name:   "storage failure",
			store:  &mockStore{loadErr: errors.New("table unavailable")},
			path:   "/api/projects/p1/members",
			user:   "alice",
			status: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(t, tt.store, nil)
			rec := doRequest(e, http.MethodGet, tt.path, tt.user, "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var body errorResponse
			decodeBody(t, rec, &body)
			if body.Error == "" {
				t.Fatalf("expected error message in body")
			}
			if tt.status == http.StatusInternalServerError && strings.Contains(body.Error, "table unavailable") {
				t.Fatalf("storage error leaked to client: %s", body.Error)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	e := newTestServer(t, &mockStore{}, nil)
	rec := doRequest(e, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

const toggleCommand = `{"projectId":"p1","type":"checklist-item-toggled","data":{"taskId":"t1","itemId":"i1","done":true}}`

func newTestDeduper(t *testing.T) (*miniredis.Miniredis, *RedisDeduper) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return m, NewRedisDeduper(client, time.Minute)
}

func TestPostCommandsAccepted(t *testing.T) {
	t.Cleanup(func() { atomic.StoreInt64(&lastTimestamp, 0) })
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	_, deduper := newTestDeduper(t)
	e := newTestServer(t, store, deduper)

	body := `[` + toggleCommand + `,{"idempotencyKey":"known","projectId":"p1","type":"task-completed","data":{"taskId":"t1"}}]`
	rec := doRequest(e, http.MethodPost, "/api/commands", "alice", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp postCommandResponse
	decodeBody(t, rec, &resp)
	if len(resp.IdempotencyKeys) != 2 || resp.IdempotencyKeys[1] != "known" {
		t.Fatalf("unexpected keys: %v", resp.IdempotencyKeys)
	}
	if len(resp.Duplicates) != 0 {
		t.Fatalf("unexpected duplicates: %v", resp.Duplicates)
	}

	cmds := store.Commands()
	if len(cmds) != 2 {
		t.Fatalf("expected 2 enqueued commands, got %d", len(cmds))
	}
	if store.cmdUserID != "alice" {
		t.Fatalf("unexpected enqueue user: %s", store.cmdUserID)
	}
	if cmds[0].EntityType != domain.EntityTask || cmds[0].IdempotencyKey != resp.IdempotencyKeys[0] {
		t.Fatalf("unexpected first command: %+v", cmds[0])
	}
	for _, c := range cmds {
		if _, err := uuid.Parse(c.ID); err != nil {
			t.Fatalf("expected a server assigned command id, got %q", c.ID)
		}
	}
	if cmds[1].ID == "known" {
		t.Fatalf("command id must not be the client key")
	}
	if cmds[1].Timestamp <= cmds[0].Timestamp {
		t.Fatalf("expected increasing timestamps, got %d then %d", cmds[0].Timestamp, cmds[1].Timestamp)
	}
	if store.loads != 1 {
		t.Fatalf("expected one membership lookup per project, got %d", store.loads)
	}
}

func TestPostCommandsDuplicates(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	_, deduper := newTestDeduper(t)
	e := newTestServer(t, store, deduper)

	first := `[{"idempotencyKey":"k1","projectId":"p1","type":"task-completed","data":{"taskId":"t1"}}]`
	if rec := doRequest(e, http.MethodPost, "/api/commands", "alice", first); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec := doRequest(e, http.MethodPost, "/api/commands", "alice", first)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for replay, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp postCommandResponse
	decodeBody(t, rec, &resp)
	if len(resp.Duplicates) != 1 || resp.Duplicates[0] != "k1" {
		t.Fatalf("unexpected duplicates: %v", resp.Duplicates)
	}

	mixed := `[{"idempotencyKey":"k1","projectId":"p1","type":"task-completed","data":{"taskId":"t1"}},` +
		`{"idempotencyKey":"k2","projectId":"p1","type":"task-completed","data":{"taskId":"t2"}}]`
	rec = doRequest(e, http.MethodPost, "/api/commands", "alice", mixed)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for partial replay, got %d", rec.Code)
	}
	decodeBody(t, rec, &resp)
	if len(resp.Duplicates) != 1 || resp.Duplicates[0] != "k1" {
		t.Fatalf("unexpected duplicates: %v", resp.Duplicates)
	}
	cmds := store.Commands()
	if len(cmds) != 2 || cmds[1].IdempotencyKey != "k2" {
		t.Fatalf("expected only the fresh command to be enqueued, got %+v", cmds)
	}

	// the same key from another user is a different command
	if rec := doRequest(e, http.MethodPost, "/api/commands", "bob", first); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for another user, got %d", rec.Code)
	}
}

func TestPostCommandsEnqueueFailureReleasesKeys(t *testing.T) {
	store := &mockStore{
		snapshots:  map[string]domain.Snapshot{"p1": testSnapshot()},
		enqueueErr: errors.New("queue down"),
	}
	m, deduper := newTestDeduper(t)
	e := newTestServer(t, store, deduper)

	body := `[{"idempotencyKey":"retry-me","projectId":"p1","type":"task-completed","data":{"taskId":"t1"}}]`
	rec := doRequest(e, http.MethodPost, "/api/commands", "alice", body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if m.Exists("cmd:alice:retry-me") {
		t.Fatalf("expected idempotency key to be released")
	}

	store.enqueueErr = nil
	rec = doRequest(e, http.MethodPost, "/api/commands", "alice", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected retry to be accepted, got %d", rec.Code)
	}
}

func TestPostCommandsValidation(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	body := `[` + toggleCommand + `,{"projectId":"p1","type":"checklist-item-added","data":{"taskId":"t1","content":"   "}}]`
	rec := doRequest(e, http.MethodPost, "/api/commands", "alice", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp postCommandResponse
	decodeBody(t, rec, &resp)
	if resp.Index == nil || *resp.Index != 1 {
		t.Fatalf("expected index 1, got %v", resp.Index)
	}
	if len(resp.Fields) != 1 || resp.Fields[0].Field != "content" {
		t.Fatalf("unexpected field errors: %+v", resp.Fields)
	}
	if len(store.Commands()) != 0 {
		t.Fatalf("expected nothing to be enqueued")
	}
}

func TestPostCommandsRejects(t *testing.T) {
	many := make([]string, maxCommandsPerRequest+1)
	for i := range many {
		many[i] = toggleCommand
	}
	tests := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"unauthenticated", "", "[" + toggleCommand + "]", http.StatusUnauthorized},
		{"malformed", "alice", "{", http.StatusBadRequest},
		{"unknown field", "alice", `[{"projectId":"p1","type":"task-completed","extra":1,"data":{"taskId":"t1"}}]`, http.StatusBadRequest},
		{"empty batch", "alice", "[]", http.StatusBadRequest},
		{"too many", "alice", "[" + strings.Join(many, ",") + "]", http.StatusBadRequest},
		{"unknown type", "alice", `[{"projectId":"p1","type":"task-archived","data":{}}]`, http.StatusBadRequest},
		{"unsafe idempotency key", "alice", `[{"idempotencyKey":"a/b","projectId":"p1","type":"task-completed","data":{"taskId":"t1"}}]`, http.StatusBadRequest},
		{"unknown project", "alice", `[{"projectId":"p9","type":"task-completed","data":{"taskId":"t1"}}]`, http.StatusNotFound},
		{"not a member", "mallory", "[" + toggleCommand + "]", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
			e := newTestServer(t, store, nil)
			rec := doRequest(e, http.MethodPost, "/api/commands", tt.user, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if len(store.Commands()) != 0 {
				t.Fatalf("expected nothing to be enqueued")
			}
		})
	}
}

func TestPostCommandsBodyLimit(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	big := `[{"projectId":"p1","type":"project-renamed","data":{"name":"` + strings.Repeat("x", 70*1024) + `"}}]`
	rec := doRequest(e, http.MethodPost, "/api/commands", "alice", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestNextTimestampStrictlyIncreasing(t *testing.T) {
	t.Cleanup(func() { atomic.StoreInt64(&lastTimestamp, 0) })
	future := time.Now().Add(time.Second).UnixNano()
	atomic.StoreInt64(&lastTimestamp, future)

	first := nextTimestamp()
	second := nextTimestamp()
	if first != future+1 || second != future+2 {
		t.Fatalf("expected timestamps after %d, got %d and %d", future, first, second)
	}
}

func TestInstrumentLogsRequest(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := echo.New()
	Register(e, Options{Store: store, Auth: mockAuth{}, Logger: logger, Now: func() time.Time { return testNow }})

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/progress", "mallory", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a log entry")
	}
	if entry.Level != log.WarnLevel {
		t.Fatalf("expected warn level, got %s", entry.Level)
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrs["progress.request.error_stage"] != "forbidden" {
		t.Fatalf("unexpected error stage: %v", attrs["progress.request.error_stage"])
	}
	if attrs["progress.request.project_id"] != "p1" {
		t.Fatalf("unexpected project attribute: %v", attrs["progress.request.project_id"])
	}
}

func TestPostCommandsSharedKeyGetsDistinctIDs(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	_, deduper := newTestDeduper(t)
	e := newTestServer(t, store, deduper)

	body := `[{"idempotencyKey":"i2","projectId":"p1","type":"checklist-item-added","data":{"taskId":"t1","content":"new item"}}]`
	for _, user := range []string{"alice", "bob"} {
		if rec := doRequest(e, http.MethodPost, "/api/commands", user, body); rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202 for %s, got %d: %s", user, rec.Code, rec.Body.String())
		}
	}
	cmds := store.Commands()
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].ID == cmds[1].ID || cmds[0].ID == "i2" || cmds[1].ID == "i2" {
		t.Fatalf("commands sharing a key must get their own ids: %q, %q", cmds[0].ID, cmds[1].ID)
	}
}

func TestGetProjects(t *testing.T) {
	store := &mockStore{projects: map[string][]domain.Project{
		"alice": {{ID: "p1", Name: "Capstone", StageCount: 2}},
	}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var projects []domain.Project
	decodeBody(t, rec, &projects)
	if len(projects) != 1 || projects[0].ID != "p1" || projects[0].Name != "Capstone" {
		t.Fatalf("unexpected projects: %+v", projects)
	}

	rec = doRequest(e, http.MethodGet, "/api/projects", "nobody", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected an empty list, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := doRequest(e, http.MethodGet, "/api/projects", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	failing := newTestServer(t, &mockStore{loadErr: errors.New("table unavailable")}, nil)
	if rec := doRequest(failing, http.MethodGet, "/api/projects", "alice", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestGetTaskDetail(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/tasks/t1", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var detail domain.TaskDetail
	decodeBody(t, rec, &detail)
	if detail.ID != "t1" || len(detail.Checklist) != 2 || detail.Checklist[0].ID != "i1" {
		t.Fatalf("unexpected checklist: %+v", detail.Checklist)
	}
	if len(detail.Feedbacks) != 1 || detail.Feedbacks[0].ID != "f1" || detail.Feedbacks[0].Author.Name != "Bob" {
		t.Fatalf("unexpected feedbacks: %+v", detail.Feedbacks)
	}
	if detail.Assignee == nil || detail.Assignee.Name != "Alice" || !detail.Complete {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	if rec := doRequest(e, http.MethodGet, "/api/projects/p1/tasks/nope", "bob", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/api/projects/p1/tasks/t1", "mallory", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", rec.Code)
	}
}

func TestGetResources(t *testing.T) {
	store := &mockStore{snapshots: map[string]domain.Snapshot{"p1": testSnapshot()}}
	e := newTestServer(t, store, nil)

	rec := doRequest(e, http.MethodGet, "/api/projects/p1/resources", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cards []domain.ResourceCard
	decodeBody(t, rec, &cards)
	if len(cards) != 1 || cards[0].ID != "r1" {
		t.Fatalf("unexpected resources: %+v", cards)
	}
	if cards[0].LikeCount != 1 || !cards[0].Liked {
		t.Fatalf("unexpected likes: %+v", cards[0])
	}
	if len(cards[0].Replies) != 1 || cards[0].Replies[0].Content != "thanks" {
		t.Fatalf("unexpected replies: %+v", cards[0].Replies)
	}
	if cards[0].Author == nil || cards[0].Author.Name != "Bob" {
		t.Fatalf("unexpected author: %+v", cards[0].Author)
	}

	rec = doRequest(e, http.MethodGet, "/api/projects/p1/resources?tag=design", "bob", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected no resources for tag, got %d: %s", rec.Code, rec.Body.String())
	}
}
