package middleware

import (
	"github.com/barokg/backend/internal/metrics"
	"github.com/barokg/backend/pkg/graph"
	"github.com/barokg/backend/pkg/scheduler"
	"github.com/barokg/backend/pkg/store"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/labstack/echo/v4"
)

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
}

type App struct {
	Store     store.GraphStorage
	Scheduler *scheduler.Scheduler
	Writer    *graph.Writer
	Metrics   *metrics.Metrics
	// Key verifies JWTs; nil disables token auth so only the master key works.
	Key            keyfunc.Keyfunc
	MasterAPIKey   string
	MasterUserID   string
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
