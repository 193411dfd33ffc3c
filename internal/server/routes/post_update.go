package routes

import (
	"net/http"

	"github.com/barokg/backend/internal/server/middleware"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/labstack/echo/v4"
)

// ForceUpdateHandler starts an update run outside the interval. It answers
// 202 when a run was started and 200 when one was already running.
func ForceUpdateHandler(c echo.Context) error {
	type updateData struct {
		Mode string `json:"mode" query:"mode" validate:"omitempty,oneof=incremental full"`
	}

	type updateResponse struct {
		Message        string `json:"message"`
		RunID          string `json:"run_id,omitempty"`
		AlreadyRunning bool   `json:"already_running"`
	}

	data := new(updateData)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, updateResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, updateResponse{
			Message: "Invalid request params",
		})
	}
	mode, err := scheduler.ParseMode(data.Mode)
	if err != nil {
		return c.JSON(http.StatusBadRequest, updateResponse{
			Message: "Invalid request params",
		})
	}

	cc := c.(*middleware.AppContext)
	res, err := cc.App.Scheduler.Trigger(c.Request().Context(), mode)
	if err != nil {
		logger.Error("[Server] Failed to trigger update", "err", err)
		return c.JSON(http.StatusInternalServerError, updateResponse{
			Message: "Internal server error",
		})
	}

	if res.AlreadyRunning {
		return c.JSON(http.StatusOK, updateResponse{
			Message:        "Update already running",
			RunID:          res.RunID,
			AlreadyRunning: true,
		})
	}

	logger.Info("[Server] Update triggered", "run_id", res.RunID, "mode", mode, "user", cc.User.UserID)
	return c.JSON(http.StatusAccepted, updateResponse{
		Message: "Update started",
		RunID:   res.RunID,
	})
}

// CancelUpdateHandler asks the active run to stop after its current
// document.
func CancelUpdateHandler(c echo.Context) error {
	type cancelResponse struct {
		Message string `json:"message"`
		RunID   string `json:"run_id,omitempty"`
	}

	app := c.(*middleware.AppContext).App
	status := app.Scheduler.Status()
	if !app.Scheduler.Cancel() {
		return c.JSON(http.StatusConflict, cancelResponse{
			Message: "No update running",
		})
	}

	return c.JSON(http.StatusAccepted, cancelResponse{
		Message: "Cancellation requested",
		RunID:   status.RunID,
	})
}
