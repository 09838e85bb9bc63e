package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRevocationRoutes registers POST /auth/logout on a group that is
// already behind Middleware. Logging out revokes the caller's token so that
// it can no longer open chat sessions.
func RegisterRevocationRoutes(g *echo.Group, store *TokenRevocationStore) {
	g.POST("/auth/logout", handleLogout(store))
}

func handleLogout(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, ok := PrincipalFromContext(c.Request().Context())
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		if p.TokenID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "token has no jti and cannot be revoked")
		}
		store.Revoke(p.TokenID, p.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}
