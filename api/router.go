package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxUploadMemory caps the multipart bytes held in memory per request.
const maxUploadMemory = 32 << 20

// NewRouter wires the handler routes. Every /api route requires a bearer token.
func NewRouter(h *Handler, secret []byte) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = maxUploadMemory
	r.Use(gin.Recovery(), LoggerMiddleware(h.logger), MetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, success(gin.H{"status": "ok"}))
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(AuthMiddleware(secret))
	{
		api.GET("/roles", h.ListRoles)
		api.GET("/forms", h.ListForms)
		api.GET("/forms/:id", h.GetForm)
		api.GET("/templates", h.ListTemplates)
		api.GET("/templates/:id", h.GetTemplate)

		api.POST("/processes", h.StartProcess)
		api.GET("/processes", h.ListProcesses)
		api.GET("/processes/:id", h.GetProcess)
		api.POST("/processes/:id/submit", h.SubmitStep)
		api.POST("/processes/:id/claim", h.Claim)
		api.POST("/processes/:id/release", h.Release)
		api.GET("/processes/:id/results.csv", h.ExportResults)
	}

	admin := api.Group("")
	admin.Use(AdminMiddleware())
	{
		admin.POST("/roles", h.CreateRole)
		admin.POST("/roles/:id/members", h.AddMember)
		admin.DELETE("/roles/:id/members/:user", h.RemoveMember)
		admin.POST("/forms", h.CreateForm)
		admin.GET("/forms/:id/entries.csv", h.ExportEntries)
		admin.POST("/templates", h.CreateTemplate)
		admin.GET("/files/*ref", h.DownloadFile)
	}
	return r
}
