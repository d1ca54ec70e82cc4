package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Infinibay/backend-sub001/router/middleware"
)

// deleteMachine tears down a machine: hypervisor filter and domain
// best-effort, relational rows authoritatively. A 500 here means a
// relational failure; retrying the same call is safe.
func (r *Router) deleteMachine(c *gin.Context) {
	if err := r.svc.CleanupVM(c.Request.Context(), c.Param("machine")); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteDepartment tears down an empty department. A department that still
// has machines attached is rejected with 409 before anything is mutated.
func (r *Router) deleteDepartment(c *gin.Context) {
	if err := r.svc.CleanupDepartment(c.Request.Context(), c.Param("department")); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
