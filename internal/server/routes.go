package server

import (
	"net/http"

	"github.com/barokg/backend/internal/server/middleware"
	"github.com/barokg/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, app *middleware.App) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	if app.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(app.Metrics.Handler()))
	}

	apiRoutes := e.Group("", middleware.AuthMiddleware)

	// Update routes
	apiRoutes.GET("/status", routes.GetStatusHandler, middleware.RequirePermission(middleware.PermissionView))
	apiRoutes.POST("/update", routes.ForceUpdateHandler, middleware.RequirePermission(middleware.PermissionUpdate))
	apiRoutes.DELETE("/update", routes.CancelUpdateHandler, middleware.RequirePermission(middleware.PermissionUpdate))

	// Entity routes
	apiRoutes.GET("/entities", routes.GetEntitiesHandler, middleware.RequirePermission(middleware.PermissionView))
	apiRoutes.GET("/entities/:id", routes.GetEntityHandler, middleware.RequirePermission(middleware.PermissionView))
	apiRoutes.POST("/entities/merge", routes.MergeEntitiesHandler, middleware.RequirePermission(middleware.PermissionMerge))
	apiRoutes.GET("/index/check", routes.CheckIndexHandler, middleware.RequirePermission(middleware.PermissionView))
}
