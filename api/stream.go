package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"progress-api/domain"
)

// Hub fans project update notifications received over Redis pub/sub out to
// the stream handlers of this instance.
type Hub struct {
	rc      *redis.Client
	channel string

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewHub creates a hub listening on channel.
func NewHub(rc *redis.Client, channel string) *Hub {
	return &Hub{rc: rc, channel: channel, subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe returns a signal channel for projectID and a function that
// cancels the subscription. Signals coalesce while the reader is busy.
func (h *Hub) Subscribe(projectID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[chan struct{}]struct{})
	}
	h.subs[projectID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[projectID], ch)
			if len(h.subs[projectID]) == 0 {
				delete(h.subs, projectID)
			}
			h.mu.Unlock()
		})
	}
}

// Notify signals every subscriber of projectID.
func (h *Hub) Notify(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[projectID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run listens for updates until ctx is done, reconnecting when the pub/sub
// channel closes.
func (h *Hub) Run(ctx context.Context) {
	for {
		sub := h.rc.Subscribe(ctx, h.channel)
		h.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", h.channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Hub) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var upd domain.ProjectUpdate
			if err := sonic.UnmarshalString(msg.Payload, &upd); err != nil || upd.ProjectID == "" {
				log.WithField("payload", msg.Payload).Warn("unable to parse project update")
				continue
			}
			h.Notify(upd.ProjectID)
		}
	}
}

// streamProgress pushes the progress payload as server-sent events, once on
// connect and again after every update of the project. Browsers cannot set
// headers on EventSource so the token may also come as a query parameter.
func (h *handlers) streamProgress(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); authHeader == "" && token != "" {
		authHeader = "Bearer " + token
	}
	metrics, spanCtx := newRequestMetrics(c.Request().Context(), h.logger, "/api/projects/:id/stream")
	c.SetRequest(c.Request().WithContext(spanCtx))
	req, err := h.loadProject(c, metrics, authHeader)
	metrics.Log(responseStatus(c, err), err)
	if err != nil {
		return err
	}
	if h.notifier == nil {
		return httpError(http.StatusServiceUnavailable, "streaming unavailable")
	}

	updates, cancel := h.notifier.Subscribe(req.snap.Project.ID)
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	if err := h.writeEvent(res, h.progressPayload(req.snap)); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := res.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			res.Flush()
		case <-updates:
			next, err := h.store.LoadSnapshot(ctx, req.snap.Project.ID)
			if err != nil {
				h.logger.WithError(err).WithField("project", req.snap.Project.ID).Warn("stream reload failed")
				continue
			}
			if !next.IsMember(req.userID) {
				return nil
			}
			if err := h.writeEvent(res, h.progressPayload(next)); err != nil {
				return nil
			}
		}
	}
}

func (h *handlers) writeEvent(res *echo.Response, body any) error {
	data, err := sonic.Marshal(body)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	if _, err := res.Write(buf); err != nil {
		return err
	}
	res.Flush()
	return nil
}
