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

// GetEntitiesHandler lists entities, optionally of one type.
func GetEntitiesHandler(c echo.Context) error {
	type getEntitiesData struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" validate:"min=0,max=1000"`
		Offset int    `query:"offset" validate:"min=0"`
	}

	type getEntitiesResponse struct {
		Message  string          `json:"message"`
		Entities []common.Entity `json:"entities"`
	}

	data := new(getEntitiesData)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, getEntitiesResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, getEntitiesResponse{
			Message: "Invalid request params",
		})
	}

	opts := store.ListOptions{Limit: data.Limit, Offset: data.Offset}
	if opts.Limit == 0 {
		opts.Limit = 100
	}
	if data.Type != "" {
		typ := common.EntityType(data.Type)
		if !typ.Valid() {
			return c.JSON(http.StatusBadRequest, getEntitiesResponse{
				Message: "Unknown entity type",
			})
		}
		opts.Type = typ
	}

	app := c.(*middleware.AppContext).App
	entities, err := app.Store.ListEntities(c.Request().Context(), opts)
	if err != nil {
		logger.Error("[Server] Failed to list entities", "err", err)
		return c.JSON(http.StatusInternalServerError, getEntitiesResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, getEntitiesResponse{
		Message:  "OK",
		Entities: entities,
	})
}

// GetEntityHandler returns one entity with its relationships and the
// documents mentioning it.
func GetEntityHandler(c echo.Context) error {
	type getEntityData struct {
		ID string `param:"id" validate:"required"`
	}

	type getEntityResponse struct {
		Message       string                 `json:"message"`
		Entity        *common.Entity         `json:"entity,omitempty"`
		Relationships []common.Relationship  `json:"relationships,omitempty"`
		Documents     []store.EntityDocument `json:"documents,omitempty"`
	}

	data := new(getEntityData)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, getEntityResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, getEntityResponse{
			Message: "Invalid request params",
		})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	entity, err := app.Store.GetEntity(ctx, data.ID)
	if errors.Is(err, common.ErrNotFound) {
		return c.JSON(http.StatusNotFound, getEntityResponse{
			Message: "Entity not found",
		})
	}
	if err != nil {
		logger.Error("[Server] Failed to load entity", "id", data.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, getEntityResponse{
			Message: "Internal server error",
		})
	}

	rels, err := app.Store.ListRelationships(ctx, entity.ID)
	if err != nil {
		logger.Error("[Server] Failed to load relationships", "id", data.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, getEntityResponse{
			Message: "Internal server error",
		})
	}
	docs, err := app.Store.EntityDocuments(ctx, entity.ID)
	if err != nil {
		logger.Error("[Server] Failed to load entity documents", "id", data.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, getEntityResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, getEntityResponse{
		Message:       "OK",
		Entity:        &entity,
		Relationships: rels,
		Documents:     docs,
	})
}
