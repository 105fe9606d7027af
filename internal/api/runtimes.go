package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/runtime"
	"github.com/aidenhq/aiden/internal/store"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

func (h *Handlers) createRuntime(c *gin.Context) {
	task, err := h.runtimes.Create(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) listRuntimes(c *gin.Context) {
	unusedOnly := false
	if raw := c.Query("unused"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, apperrors.BadRequest("unused must be a boolean"))
			return
		}
		unusedOnly = parsed
	}

	runtimes, err := h.store.ListRuntimes(c.Request.Context(), unusedOnly)
	if err != nil {
		respondError(c, apperrors.Internal("failed to list runtimes", err))
		return
	}

	result := make([]v1.Runtime, 0, len(runtimes))
	for i := range runtimes {
		result = append(result, runtime.PublicRuntime(&runtimes[i]))
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) getRuntime(c *gin.Context) {
	id := c.Param("id")
	rt, err := h.store.GetRuntime(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, apperrors.NotFound("runtime", id))
		} else {
			respondError(c, apperrors.Internal("failed to load runtime", err))
		}
		return
	}
	c.JSON(http.StatusOK, runtime.PublicRuntime(rt))
}

func (h *Handlers) updateRuntime(c *gin.Context) {
	task, err := h.runtimes.Update(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) deleteRuntime(c *gin.Context) {
	task, err := h.runtimes.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
