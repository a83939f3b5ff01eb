package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/tracker"
)

// UnitOfWork opens a unit of work for each request and flushes it after the
// handler chain returns, on every exit path including panics. With
// ?publish=true the unit is tied to a new publish event.
func UnitOfWork(t *tracker.Tracker, logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var (
			u   *tracker.UnitOfWork
			err error
		)
		if c.Query("publish") == "true" {
			u, err = t.BeginPublish(ctx)
			if err != nil {
				writeJSON(c, http.StatusInternalServerError, gin.H{"error": err.Error()})
				c.Abort()
				return
			}
		} else {
			u = t.Begin()
		}

		defer func() {
			if err := u.Flush(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("flush failed", zap.String("unit_of_work", u.ID()), zap.Error(err))
			}
		}()

		c.Request = c.Request.WithContext(tracker.WithUnitOfWork(ctx, u))
		c.Next()
	}
}

// Hook names accepted by POST /hooks.
const (
	HookWrite     = "write"
	HookDelete    = "delete"
	HookPublish   = "publish"
	HookUnpublish = "unpublish"
	HookArchive   = "archive"
	HookManyMany  = "many_many"
)

// HookEvent is one lifecycle event reported by the entity store.
type HookEvent struct {
	Hook   string         `json:"hook"`
	Type   string         `json:"type"`
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`

	// Versioned and Stage apply to many_many only.
	Versioned bool   `json:"versioned,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

// HookRequest is the body of POST /hooks.
type HookRequest struct {
	Events []HookEvent `json:"events"`
}

// HookResponse acknowledges an ingest request.
type HookResponse struct {
	UnitOfWork string `json:"unitOfWork"`
	Recorded   int    `json:"recorded"`
}

func (s *Server) handleHooks(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	var req HookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "decode body: " + err.Error()})
		return
	}

	// Reject the whole batch before recording anything.
	for i, ev := range req.Events {
		if err := validateHook(ev); err != nil {
			writeJSON(c, http.StatusBadRequest, gin.H{"error": fmt.Sprintf("events[%d]: %v", i, err)})
			return
		}
	}

	ctx := c.Request.Context()
	for i, ev := range req.Events {
		if err := s.dispatch(ctx, ev); err != nil {
			status := http.StatusInternalServerError
			if model.IsLookupError(err) {
				status = http.StatusUnprocessableEntity
			}
			writeJSON(c, status, gin.H{"error": fmt.Sprintf("events[%d]: %v", i, err)})
			return
		}
	}

	u, _ := tracker.FromContext(ctx)
	writeJSON(c, http.StatusAccepted, HookResponse{UnitOfWork: u.ID(), Recorded: len(u.Snapshot())})
}

func validateHook(ev HookEvent) error {
	switch ev.Hook {
	case HookWrite, HookDelete, HookPublish, HookUnpublish, HookArchive:
	case HookManyMany:
		if ev.Versioned {
			if _, err := ParseStage(ev.Stage); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown hook %q", ev.Hook)
	}
	if ev.Type == "" {
		return fmt.Errorf("type is required")
	}
	if ev.ID <= 0 {
		return fmt.Errorf("id must be positive, got %d", ev.ID)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, ev HookEvent) error {
	e := model.Entity{Type: ev.Type, ID: ev.ID, Fields: ev.Fields}
	switch ev.Hook {
	case HookWrite:
		return s.hooks.OnAfterWrite(ctx, e)
	case HookDelete:
		return s.hooks.OnAfterDelete(ctx, e)
	case HookPublish:
		return s.hooks.OnAfterPublish(ctx, e)
	case HookUnpublish:
		return s.hooks.OnAfterUnpublish(ctx, e)
	case HookArchive:
		return s.hooks.OnAfterArchive(ctx, e)
	case HookManyMany:
		stage := model.StageAll
		if ev.Versioned {
			stage, _ = ParseStage(ev.Stage)
		}
		return s.hooks.OnAfterManyToManyChange(ctx, e, ev.Versioned, stage)
	}
	return fmt.Errorf("unknown hook %q", ev.Hook)
}
