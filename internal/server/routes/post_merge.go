package routes

import (
	"errors"
	"net/http"

	"github.com/barokg/backend/internal/server/middleware"
	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/store"

	"github.com/labstack/echo/v4"
)

// MergeEntitiesHandler folds the duplicate entity into the survivor.
func MergeEntitiesHandler(c echo.Context) error {
	type mergeData struct {
		SurvivorID  string `json:"survivor_id" validate:"required"`
		DuplicateID string `json:"duplicate_id" validate:"required,nefield=SurvivorID"`
	}

	type mergeResponse struct {
		Message string              `json:"message"`
		Report  *common.MergeReport `json:"report,omitempty"`
	}

	data := new(mergeData)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, mergeResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, mergeResponse{
			Message: "Invalid request params",
		})
	}

	cc := c.(*middleware.AppContext)
	report, err := cc.App.Writer.Merge(c.Request().Context(), data.SurvivorID, data.DuplicateID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		return c.JSON(http.StatusNotFound, mergeResponse{
			Message: "Entity not found",
		})
	case err != nil && common.IsRetryable(err):
		logger.Error("[Server] Merge failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, mergeResponse{
			Message: "Store unavailable, try again",
		})
	case err != nil:
		return c.JSON(http.StatusUnprocessableEntity, mergeResponse{
			Message: err.Error(),
		})
	}

	if cc.App.Metrics != nil {
		cc.App.Metrics.MergeFinished(report)
	}
	logger.Info("[Server] Entities merged",
		"survivor", report.SurvivorID,
		"removed", report.RemovedID,
		"user", cc.User.UserID,
	)
	return c.JSON(http.StatusOK, mergeResponse{
		Message: "Entities merged",
		Report:  &report,
	})
}

// CheckIndexHandler verifies that no (type, key) pair is held twice.
func CheckIndexHandler(c echo.Context) error {
	type checkIndexResponse struct {
		Message    string               `json:"message"`
		Duplicates []store.DuplicateKey `json:"duplicates,omitempty"`
	}

	app := c.(*middleware.AppContext).App
	dups, err := app.Writer.CheckIndex(c.Request().Context())
	if errors.Is(err, common.ErrIndexCorruption) {
		return c.JSON(http.StatusConflict, checkIndexResponse{
			Message:    err.Error(),
			Duplicates: dups,
		})
	}
	if err != nil {
		logger.Error("[Server] Index check failed", "err", err)
		return c.JSON(http.StatusInternalServerError, checkIndexResponse{
			Message: "Internal server error",
		})
	}
	return c.JSON(http.StatusOK, checkIndexResponse{Message: "OK"})
}
