package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Infinibay/backend-sub001/router/middleware"
	"github.com/Infinibay/backend-sub001/system"
)

// getSystemInformation reports node facts and the daemon version.
func (r *Router) getSystemInformation(c *gin.Context) {
	info, err := system.GetSystemInformation(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": info})
}
