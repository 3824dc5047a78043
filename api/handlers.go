package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"progress-api/domain"
)

type handlers struct {
	store    Storage
	auth     Authenticator
	deduper  Deduper
	notifier Notifier
	logger   *log.Logger
	loc      *time.Location
	now      func() time.Time
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, opts Options) {
	h := &handlers{
		store:    opts.Store,
		auth:     opts.Auth,
		deduper:  opts.Deduper,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if h.logger == nil {
		h.logger = log.StandardLogger()
	}
	if h.loc == nil {
		h.loc = time.UTC
	}
	if h.now == nil {
		h.now = time.Now
	}

	e.GET("/healthz", healthz)

	g := e.Group("/api")
	g.GET("/projects", h.instrument("/api/projects", h.getProjects))
	g.GET("/projects/:id/progress", h.instrument("/api/projects/:id/progress", h.getProgress))
	g.GET("/projects/:id/tasks", h.instrument("/api/projects/:id/tasks", h.getTasks))
	g.GET("/projects/:id/tasks/:taskId", h.instrument("/api/projects/:id/tasks/:taskId", h.getTask))
	g.GET("/projects/:id/summary", h.instrument("/api/projects/:id/summary", h.getSummary))
	g.GET("/projects/:id/members", h.instrument("/api/projects/:id/members", h.getMembers))
	g.GET("/projects/:id/contribution", h.instrument("/api/projects/:id/contribution", h.getContribution))
	g.GET("/projects/:id/resources", h.instrument("/api/projects/:id/resources", h.getResources))
	g.GET("/projects/:id/stream", h.streamProgress)
	g.POST("/commands", h.instrument("/api/commands", h.postCommands),
		middleware.Decompress(),
		middleware.BodyLimit(postCommandMaxSize),
	)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type instrumentedHandler func(c echo.Context, m *requestMetrics) error

// instrument runs fn with request metrics that are flushed once the handler
// returns.
func (h *handlers) instrument(route string, fn instrumentedHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newRequestMetrics(c.Request().Context(), h.logger, route)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(responseStatus(c, err), err)
		}()
		return fn(c, metrics)
	}
}

func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if err != nil && !c.Response().Committed {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}

func httpError(code int, msg string) *echo.HTTPError {
	return echo.NewHTTPError(code, errorResponse{Error: msg})
}

type projectRequest struct {
	userID string
	snap   domain.Snapshot
}

// loadProject authenticates the caller, loads the project snapshot and
// checks membership.
func (h *handlers) loadProject(c echo.Context, m *requestMetrics, authHeader string) (*projectRequest, error) {
	authStart := time.Now()
	userID, err := h.auth.UserIDFromAuthHeader(authHeader)
	m.ObserveAuth(time.Since(authStart))
	if err != nil {
		m.SetErrorStage("auth")
		return nil, httpError(http.StatusUnauthorized, err.Error())
	}
	m.SetUser(userID)

	projectID := c.Param("id")
	m.SetProject(projectID)

	loadStart := time.Now()
	snap, err := h.store.LoadSnapshot(c.Request().Context(), projectID)
	m.ObserveLoad(time.Since(loadStart))
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			m.SetErrorStage("not_found")
			return nil, httpError(http.StatusNotFound, err.Error())
		}
		m.SetErrorStage("storage")
		h.logger.WithError(err).WithField("project", projectID).Error("load snapshot failed")
		return nil, httpError(http.StatusInternalServerError, "failed to load project")
	}
	if !snap.IsMember(userID) {
		m.SetErrorStage("forbidden")
		return nil, httpError(http.StatusForbidden, domain.ErrNotMember.Error())
	}
	return &projectRequest{userID: userID, snap: snap}, nil
}

func (h *handlers) respond(c echo.Context, m *requestMetrics, body any) error {
	encodeStart := time.Now()
	err := c.JSON(http.StatusOK, body)
	m.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func (h *handlers) progressPayload(snap domain.Snapshot) progressResponse {
	stages := domain.BuildTimeline(snap.Project.StageCount, snap.Tasks, snap.UserIndex(), h.now(), h.loc)
	if stages == nil {
		stages = []domain.StageTimeline{}
	}
	return progressResponse{
		Project:  snap.Project,
		Progress: domain.ProjectProgress(snap.Tasks),
		Stages:   stages,
	}
}

func (h *handlers) getProgress(c echo.Context, m *requestMetrics) error {
	req, err := h.loadProject(c, m, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	start := time.Now()
	body := h.progressPayload(req.snap)
	m.ObserveAggregate(time.Since(start))
	m.SetItems(len(body.Stages))
	return h.respond(c, m, body)
}

func (h *handlers) getTasks(c echo.Context, m *requestMetrics) error {
	req, err := h.loadProject(c, m, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	start := time.Now()
	cards := domain.TriageTasks(req.snap.Tasks, req.snap.UserIndex(), h.now())
	m.ObserveAggregate(time.Since(start))
	m.SetItems(len(cards))
	return h.respond(c, m, cards)
}

func (h *handlers) getSummary(c echo.Context, m *requestMetrics) error {
	req, err := h.loadProject(c, m, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	start := time.Now()
	summary := domain.SummarizeProject(req.snap, req.userID, h.now())
	m.ObserveAggregate(time.Since(start))
	m.SetItems(summary.Total)
	return h.respond(c, m, summary)
}

func (h *handlers) getMembers(c echo.Context, m *requestMetrics) error {
	req, err := h.loadProject(c, m, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	start := time.Now()
	profiles := domain.MemberStats(req.snap, h.now(), h.loc)
	m.ObserveAggregate(time.Since(start))
	m.SetItems(len(profiles))
	return h.respond(c, m, profiles)
}

// getContribution reports the caller's contribution, or that of the member
// named by the userId query parameter.
func (h *handlers) getContribution(c echo.Context, m *requestMetrics) error {
	req, err := h.loadProject(c, m, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	target := req.userID
	if q := c.QueryParam("userId"); q != "" {
		if !req.snap.IsMember(q) {
			m.SetErrorStage("unknown_member")
			return httpError(http.StatusNotFound, domain.ErrNotMember.Error())
		}
		target = q
	}
	start := time.Now()
	contribution := domain.Contribution(req.snap, target)
	m.ObserveAggregate(time.Since(start))
	return h.respond(c, m, contribution)
}

// getProjects lists the projects the caller belongs to.
func (h *handlers) getProjects(c echo.Context, m *requestMetrics) error {
	authStart := time.Now()
	userID, err := h.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	m.ObserveAuth(time.Since(authStart))
	if err != nil {
		m.SetErrorStage("auth")
		return httpError(http.StatusUnauthorized, err.Error())
	}
	m.SetUser(userID)

	loadStart := time.Now()
	projects, err := h.store.ListProjects(c.Request().Context(), userID)
	m.ObserveLoad(time.Since(loadStart))
	if err != nil {
		m.SetErrorStage("storage")
		h.logger.WithError(err).WithField("user", userID).Error("list projects failed")
		return httpError(http.StatusInternalServerError, "failed to list projects")
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	m.SetItems(len(projects))
	return h.respond(c, m, projects)
}

func (h *handlers) getTask(c echo.Context, m *requestMetrics) error {
	req, err := h.loadProject(c, m, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	start := time.Now()
	detail, ok := domain.DescribeTask(req.snap, c.Param("taskId"), h.now())
	m.ObserveAggregate(time.Since(start))
	if !ok {
		m.SetErrorStage("not_found")
		return httpError(http.StatusNotFound, domain.ErrTaskNotFound.Error())
	}
	m.SetItems(len(detail.Checklist))
	return h.respond(c, m, detail)
}

// getResources lists shared resources, optionally only those with ?tag=.
func (h *handlers) getResources(c echo.Context, m *requestMetrics) error {
	req, err := h.loadProject(c, m, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	start := time.Now()
	cards := domain.ResourceFeed(req.snap, req.userID, c.QueryParam("tag"))
	m.ObserveAggregate(time.Since(start))
	m.SetItems(len(cards))
	return h.respond(c, m, cards)
}
