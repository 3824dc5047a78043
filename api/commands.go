package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"progress-api/domain"
)

var lastTimestamp int64

// nextTimestamp returns a strictly increasing UnixNano value so commands
// accepted by this instance keep their submission order.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

func (h *handlers) postCommands(c echo.Context, m *requestMetrics) error {
	authStart := time.Now()
	userID, err := h.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	m.ObserveAuth(time.Since(authStart))
	if err != nil {
		m.SetErrorStage("auth")
		return httpError(http.StatusUnauthorized, err.Error())
	}
	m.SetUser(userID)

	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	cmds := make([]domain.Command, 0, 4)
	if err := dec.Decode(&cmds); err != nil {
		m.SetErrorStage("decode")
		return httpError(http.StatusBadRequest, "invalid body")
	}
	if len(cmds) == 0 || len(cmds) > maxCommandsPerRequest {
		m.SetErrorStage("decode")
		return httpError(http.StatusBadRequest, "expected between 1 and 50 commands")
	}
	m.SetItems(len(cmds))

	ctx := c.Request().Context()
	if resp, err := h.validateCommands(ctx, userID, cmds, m); err != nil {
		return err
	} else if resp != nil {
		return c.JSON(http.StatusBadRequest, resp)
	}

	keys := make([]string, len(cmds))
	for i := range cmds {
		if cmds[i].IdempotencyKey == "" {
			cmds[i].IdempotencyKey = uuid.NewString()
		}
		// Rows created by a command are keyed by its ID, never by a
		// client-chosen value.
		cmds[i].ID = uuid.NewString()
		cmds[i].Timestamp = nextTimestamp()
		keys[i] = cmds[i].IdempotencyKey
	}

	fresh, duplicates, err := h.claimKeys(ctx, userID, cmds)
	if err != nil {
		m.SetErrorStage("dedupe")
		h.logger.WithError(err).WithField("user", userID).Error("dedupe commands failed")
		return httpError(http.StatusInternalServerError, "failed to accept commands")
	}
	if len(fresh) == 0 {
		m.SetErrorStage("duplicate")
		return c.JSON(http.StatusConflict, postCommandResponse{
			IdempotencyKeys: keys,
			Duplicates:      duplicates,
			Error:           "duplicate commands",
		})
	}

	// The enqueue must outlive a client that disconnects after sending.
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	loadStart := time.Now()
	enqueueErr := h.store.EnqueueCommands(enqueueCtx, userID, fresh)
	m.ObserveLoad(time.Since(loadStart))
	if enqueueErr != nil {
		m.SetErrorStage("enqueue")
		h.logger.WithError(enqueueErr).WithField("user", userID).Error("enqueue commands failed")
		h.releaseKeys(enqueueCtx, userID, fresh)
		return httpError(http.StatusInternalServerError, "failed to enqueue commands")
	}

	return c.JSON(http.StatusAccepted, postCommandResponse{IdempotencyKeys: keys, Duplicates: duplicates})
}

// validateCommands checks every payload and the caller's membership of the
// projects addressed. A non-nil response describes the first invalid command.
func (h *handlers) validateCommands(ctx context.Context, userID string, cmds []domain.Command, m *requestMetrics) (*postCommandResponse, error) {
	checked := make(map[string]struct{})
	for i := range cmds {
		if _, err := domain.DecodeCommand(cmds[i]); err != nil {
			m.SetErrorStage("validation")
			idx := i
			resp := &postCommandResponse{Error: err.Error(), Index: &idx}
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				resp.Fields = ve.Fields
			}
			return resp, nil
		}
		cmds[i].EntityType, _ = domain.EntityTypeOf(cmds[i].Type)

		if _, ok := checked[cmds[i].ProjectID]; ok {
			continue
		}
		checked[cmds[i].ProjectID] = struct{}{}
		snap, err := h.store.LoadSnapshot(ctx, cmds[i].ProjectID)
		if err != nil {
			if errors.Is(err, domain.ErrProjectNotFound) {
				m.SetErrorStage("not_found")
				return nil, httpError(http.StatusNotFound, err.Error())
			}
			m.SetErrorStage("storage")
			h.logger.WithError(err).WithField("project", cmds[i].ProjectID).Error("load snapshot failed")
			return nil, httpError(http.StatusInternalServerError, "failed to load project")
		}
		if !snap.IsMember(userID) {
			m.SetErrorStage("forbidden")
			return nil, httpError(http.StatusForbidden, domain.ErrNotMember.Error())
		}
	}
	return nil, nil
}

// claimKeys records the idempotency keys and splits cmds into those seen for
// the first time and the keys of duplicates.
func (h *handlers) claimKeys(ctx context.Context, userID string, cmds []domain.Command) ([]domain.Command, []string, error) {
	if h.deduper == nil {
		return cmds, nil, nil
	}
	keys := make([]string, len(cmds))
	for i, cmd := range cmds {
		keys[i] = cmd.IdempotencyKey
	}
	claimed, err := h.deduper.Claim(ctx, userID, keys)
	if err != nil {
		return nil, nil, err
	}
	fresh := make([]domain.Command, 0, len(cmds))
	var duplicates []string
	for i, cmd := range cmds {
		if claimed[i] {
			fresh = append(fresh, cmd)
		} else {
			duplicates = append(duplicates, cmd.IdempotencyKey)
		}
	}
	return fresh, duplicates, nil
}

func (h *handlers) releaseKeys(ctx context.Context, userID string, cmds []domain.Command) {
	if h.deduper == nil {
		return
	}
	keys := make([]string, len(cmds))
	for i, cmd := range cmds {
		keys[i] = cmd.IdempotencyKey
	}
	if err := h.deduper.Release(ctx, userID, keys...); err != nil {
		h.logger.WithError(err).WithField("keys", keys).Warn("failed to release idempotency keys")
	}
}
