package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/runtime"
	"github.com/aidenhq/aiden/internal/store"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

// agentPublic converts a store row to its API shape. The env bundle is
// redacted to keys; the bound runtime is embedded when loaded.
func agentPublic(a *store.Agent, rt *store.Runtime) v1.AgentPublic {
	public := v1.AgentPublic{
		ID:              a.ID,
		OwnerID:         a.OwnerID,
		CharacterJSON:   json.RawMessage(a.CharacterJSON),
		EnvFile:         v1.RedactEnvFile(a.EnvFile),
		RuntimeID:       a.RuntimeID,
		ExternalAgentID: a.ExternalAgentID,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	if rt != nil {
		embedded := runtime.PublicRuntime(rt)
		public.Runtime = &embedded
	}
	return public
}

func (h *Handlers) agentPublicWithRuntime(c *gin.Context, a *store.Agent) v1.AgentPublic {
	if a.RuntimeID == nil {
		return agentPublic(a, nil)
	}
	rt, err := h.store.GetRuntime(c.Request.Context(), *a.RuntimeID)
	if err != nil {
		return agentPublic(a, nil)
	}
	return agentPublic(a, rt)
}

// loadOwnedAgent fetches the agent and enforces owner-or-admin access.
func (h *Handlers) loadOwnedAgent(c *gin.Context) (*store.Agent, bool) {
	id, ok := identity(c)
	if !ok {
		return nil, false
	}

	agentID := c.Param("id")
	a, err := h.store.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, apperrors.NotFound("agent", agentID))
		} else {
			respondError(c, apperrors.Internal("failed to load agent", err))
		}
		return nil, false
	}
	if !id.CanAccess(a.OwnerID) {
		respondError(c, apperrors.PermissionDenied("not the agent owner"))
		return nil, false
	}
	return a, true
}

func (h *Handlers) createAgent(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	var req v1.AgentBase
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	// Admins may create on behalf of another owner.
	ownerID := id.UserID
	if req.OwnerID != "" && req.OwnerID != id.UserID {
		if !id.Admin {
			respondError(c, apperrors.PermissionDenied("cannot create agents for another owner"))
			return
		}
		ownerID = req.OwnerID
	}

	a, err := h.agents.Create(c.Request.Context(), ownerID, id.Admin, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentPublic(a, nil))
}

func (h *Handlers) listAgents(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	ownerID := id.UserID
	if userID := c.Query("user_id"); userID != "" {
		ownerID = userID
	} else if dynamicID := c.Query("user_dynamic_id"); dynamicID != "" {
		user, err := h.store.GetUserByDynamicID(ctx, dynamicID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondError(c, apperrors.NotFound("user", dynamicID))
			} else {
				respondError(c, apperrors.Internal("failed to resolve user", err))
			}
			return
		}
		ownerID = user.ID
	}

	if !id.CanAccess(ownerID) {
		respondError(c, apperrors.PermissionDenied("cannot list another owner's agents"))
		return
	}

	agents, err := h.store.ListAgentsByOwner(ctx, ownerID)
	if err != nil {
		respondError(c, apperrors.Internal("failed to list agents", err))
		return
	}

	result := make([]v1.AgentPublic, 0, len(agents))
	for i := range agents {
		result = append(result, h.agentPublicWithRuntime(c, &agents[i]))
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) getAgent(c *gin.Context) {
	a, ok := h.loadOwnedAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.agentPublicWithRuntime(c, a))
}

func (h *Handlers) updateAgent(c *gin.Context) {
	a, ok := h.loadOwnedAgent(c)
	if !ok {
		return
	}

	var req v1.AgentUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	var characterJSON *string
	if len(req.CharacterJSON) > 0 {
		if !json.Valid(req.CharacterJSON) {
			respondError(c, apperrors.ValidationError("character_json", "must be valid JSON"))
			return
		}
		s := string(req.CharacterJSON)
		characterJSON = &s
	}

	ctx := c.Request.Context()
	if err := h.store.UpdateAgent(ctx, a.ID, characterJSON, req.EnvFile); err != nil {
		respondError(c, apperrors.Internal("failed to update agent", err))
		return
	}

	updated, err := h.store.GetAgent(ctx, a.ID)
	if err != nil {
		respondError(c, apperrors.Internal("failed to reload agent", err))
		return
	}
	c.JSON(http.StatusOK, h.agentPublicWithRuntime(c, updated))
}

func (h *Handlers) deleteAgent(c *gin.Context) {
	a, ok := h.loadOwnedAgent(c)
	if !ok {
		return
	}
	if a.RuntimeID != nil {
		respondError(c, apperrors.Conflict("agent is attached to a runtime; stop it first"))
		return
	}
	if err := h.store.DeleteAgent(c.Request.Context(), a.ID); err != nil {
		respondError(c, apperrors.Internal("failed to delete agent", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) startAgent(c *gin.Context) {
	a, ok := h.loadOwnedAgent(c)
	if !ok {
		return
	}
	task, err := h.agents.StartAnywhere(c.Request.Context(), a.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) startAgentOn(c *gin.Context) {
	a, ok := h.loadOwnedAgent(c)
	if !ok {
		return
	}
	task, err := h.agents.Start(c.Request.Context(), a.ID, c.Param("runtime_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) stopAgent(c *gin.Context) {
	a, ok := h.loadOwnedAgent(c)
	if !ok {
		return
	}
	stopped, err := h.agents.Stop(c.Request.Context(), a.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.agentPublicWithRuntime(c, stopped))
}
