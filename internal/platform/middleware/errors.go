package middleware

import "github.com/labstack/echo/v4"

// httpError builds an error whose body matches the chat error frame shape.
func httpError(status int, code, detail string) *echo.HTTPError {
	return echo.NewHTTPError(status, map[string]string{"error": code, "detail": detail})
}
