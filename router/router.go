// Package router is the thin HTTP transport between the panel and the
// firewall core. Authentication, event fan-out and the rest of the panel
// surface live outside this daemon; the routes here map one-to-one onto
// core operations.
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/Infinibay/backend-sub001/config"
	"github.com/Infinibay/backend-sub001/firewall"
	"github.com/Infinibay/backend-sub001/router/middleware"
)

// Router binds the firewall service to the gin engine.
type Router struct {
	svc *firewall.Service
}

// Configure builds the gin engine with every route the panel consumes.
func Configure(svc *firewall.Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if config.Get().Debug {
		gin.SetMode(gin.DebugMode)
	}

	r := &Router{svc: svc}

	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(middleware.AttachRequestID())

	api := e.Group("/api")
	{
		api.GET("/system", r.getSystemInformation)

		api.GET("/firewall/:scope/:entity/rules", r.getRules)
		api.POST("/firewall/:scope/:entity/rules", r.postRule)
		api.PUT("/firewall/rules/:rule", r.putRule)
		api.DELETE("/firewall/rules/:rule", r.deleteRule)

		api.POST("/firewall/rule-sets/:ruleset/flush", r.postFlush)
		api.POST("/firewall/rule-sets/:ruleset/deduplicate", r.postDeduplicate)

		api.GET("/machines/:machine/effective-rules", r.getEffectiveRules)
		api.DELETE("/machines/:machine", r.deleteMachine)
		api.DELETE("/departments/:department", r.deleteDepartment)
	}
	return e
}
