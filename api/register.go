package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"collab-api/domain"
	"collab-api/presence"
	"collab-api/room"
	"collab-api/session"
)

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, auth Authenticator, roster Roster, directory *presence.Directory, broadcaster *room.Broadcaster, deps session.Deps, cfg session.Config, logger *log.Logger) {
	e.GET("/ws", serveWS(broadcaster, deps, cfg, logger))
	e.GET("/api/boards/:id/presence", getPresence(auth, roster, directory))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		//TODO: implement healthcheck
		return c.NoContent(http.StatusOK)
	}
}

type presenceResponse struct {
	Users []domain.Member `json:"users"`
}

// getPresence is a read view of who is currently online in a board room. It
// enforces the same membership rule as the socket-level join.
func getPresence(auth Authenticator, roster Roster, directory *presence.Directory) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("id")

		members, err := roster.LoadBoardMembership(c.Request().Context(), boardID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.String(http.StatusNotFound, "unknown board")
			}
			c.Logger().Error(err)
			return c.String(http.StatusServiceUnavailable, "membership unavailable")
		}
		if _, ok := members[userID]; !ok {
			return c.String(http.StatusForbidden, "not a board member")
		}

		online := directory.MembersOf(boardID)
		users := make([]domain.Member, 0, len(online))
		for _, m := range online {
			users = append(users, domain.Member{UserID: m.UserID, DisplayName: m.DisplayName})
		}
		return c.JSON(http.StatusOK, presenceResponse{Users: users})
	}
}
