package router

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Infinibay/backend-sub001/firewall"
	"github.com/Infinibay/backend-sub001/internal/models"
	"github.com/Infinibay/backend-sub001/router/middleware"
)

func parseScope(c *gin.Context) (models.RuleSetScope, bool) {
	scope := models.RuleSetScope(c.Param("scope"))
	if !scope.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "scope must be vm or department"})
		return "", false
	}
	return scope, true
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " identifier"})
		return 0, false
	}
	return uint(v), true
}

// getRules returns an entity's own rules ordered by priority.
func (r *Router) getRules(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	rules, err := r.svc.GetRules(scope, c.Param("entity"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules})
}

// postRule creates a rule for an entity and immediately pushes the updated
// filter to the hypervisor. The flush result rides along in the response:
// a rule that is persisted but not yet live is a normal condition the
// reconciler repairs, not a request failure.
func (r *Router) postRule(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	var input firewall.RuleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid rule payload"})
		return
	}

	rule, err := r.svc.CreateRule(scope, c.Param("entity"), input)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	synced := r.svc.Flush(c.Request.Context(), rule.RuleSetID, true)
	c.JSON(http.StatusCreated, gin.H{"data": rule, "synced": synced})
}

func (r *Router) putRule(c *gin.Context) {
	id, ok := parseUintParam(c, "rule")
	if !ok {
		return
	}
	var input firewall.RuleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid rule payload"})
		return
	}

	rule, err := r.svc.UpdateRule(id, input)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	synced := r.svc.Flush(c.Request.Context(), rule.RuleSetID, true)
	c.JSON(http.StatusOK, gin.H{"data": rule, "synced": synced})
}

func (r *Router) deleteRule(c *gin.Context) {
	id, ok := parseUintParam(c, "rule")
	if !ok {
		return
	}
	if err := r.svc.DeleteRule(id); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getEffectiveRules resolves the merged policy for one machine.
func (r *Router) getEffectiveRules(c *gin.Context) {
	res, err := r.svc.GetEffectiveRules(c.Param("machine"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

type flushRequest struct {
	Redefine bool `json:"redefine"`
}

// postFlush pushes one rule set's filter to the hypervisor. The boolean
// outcome is the whole contract; hypervisor failures never surface as HTTP
// errors.
func (r *Router) postFlush(c *gin.Context) {
	id, ok := parseUintParam(c, "ruleset")
	if !ok {
		return
	}
	var req flushRequest
	_ = c.ShouldBindJSON(&req)

	synced := r.svc.Flush(c.Request.Context(), id, req.Redefine)
	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

func (r *Router) postDeduplicate(c *gin.Context) {
	id, ok := parseUintParam(c, "ruleset")
	if !ok {
		return
	}
	removed, err := r.svc.Deduplicate(id)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
