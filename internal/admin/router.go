// Package admin is the HTTP control plane: module registration, runtime
// introspection, invocation history and a live event stream.
package admin

import (
	commonmw "faasrt/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
)

// NewRouter mounts every admin route. Reads need any valid token; changes
// need the admin role.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.AccessLogMiddleware())

	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1")
	api.POST("/auth/token", h.IssueToken)

	read := api.Group("", AuthMiddleware(h.auth))
	read.GET("/modules", h.ListModules)
	read.GET("/modules/:name", h.GetModule)
	read.GET("/modules/:name/invocations", h.ListInvocations)
	read.GET("/workers", h.ListWorkers)
	read.GET("/stats", h.Stats)
	read.GET("/invocations/:id", h.GetInvocation)
	read.GET("/events", h.StreamEvents)

	write := api.Group("", AuthMiddleware(h.auth, RoleAdmin))
	write.POST("/modules", h.RegisterModule)
	write.DELETE("/modules/:name", h.RetireModule)
	write.POST("/artifacts", h.UploadArtifact)

	return router
}
