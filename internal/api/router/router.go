package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/mailyaan/mailyaan/internal/api/handlers/dispatch"
	"github.com/mailyaan/mailyaan/internal/middlewares"
)

func New(handler *dispatch.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(middlewares.CORSMiddleware())
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api/dispatch")
	{
		api.POST("/", handler.Submit)
		api.GET("/", handler.List)
		api.GET("/:id", handler.GetStatus)
		api.GET("/:id/results", handler.GetResults)
		api.DELETE("/:id", handler.Cancel)
	}

	return e
}
