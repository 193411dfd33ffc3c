package routes

import (
	"net/http"

	"github.com/barokg/backend/internal/server/middleware"
	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/labstack/echo/v4"
)

// GetStatusHandler reports the scheduler state together with the graph
// size per entity type.
func GetStatusHandler(c echo.Context) error {
	type statusResponse struct {
		Message   string             `json:"message"`
		Scheduler *scheduler.Status  `json:"scheduler,omitempty"`
		Graph     *common.GraphStats `json:"graph,omitempty"`
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	status := app.Scheduler.Status()
	stats, err := app.Store.Stats(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, statusResponse{
			Message:   "Failed to load graph statistics",
			Scheduler: &status,
		})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Message:   "OK",
		Scheduler: &status,
		Graph:     &stats,
	})
}
