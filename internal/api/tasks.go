package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/store"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

func (h *Handlers) taskStatus(c *gin.Context) {
	taskID := c.Param("id")
	status, errMsg, err := h.engine.Status(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, apperrors.NotFound("task", taskID))
			return
		}
		respondError(c, apperrors.Internal("failed to read task status", err))
		return
	}
	c.JSON(http.StatusOK, v1.TaskStatusResponse{
		TaskID: taskID,
		Status: status,
		Error:  errMsg,
	})
}

// latestAgentStartStatus reports the status of the most recent
// agent-start task matching the agent and/or runtime filters.
func (h *Handlers) latestAgentStartStatus(c *gin.Context) {
	agentID := c.Query("agent_id")
	runtimeID := c.Query("runtime_id")
	if agentID == "" && runtimeID == "" {
		respondError(c, apperrors.BadRequest("agent_id or runtime_id is required"))
		return
	}

	ctx := c.Request.Context()
	rec, err := h.store.LatestAgentStartFor(ctx, agentID, runtimeID)
	if err != nil {
		respondError(c, apperrors.Internal("failed to look up start task", err))
		return
	}
	if rec == nil {
		respondError(c, apperrors.NotFound("agent start task", agentID+runtimeID))
		return
	}

	status, errMsg, err := h.engine.Status(ctx, rec.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, apperrors.NotFound("task", rec.TaskID))
			return
		}
		respondError(c, apperrors.Internal("failed to read task status", err))
		return
	}
	c.JSON(http.StatusOK, v1.TaskStatusResponse{
		TaskID: rec.TaskID,
		Status: status,
		Error:  errMsg,
	})
}
