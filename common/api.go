package common

import (
	"github.com/labstack/echo/v4"
)

// ErrorResponse is the error envelope every service returns.
type ErrorResponse struct {
	Detail string            `json:"detail"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// JSONError writes the error envelope with the given status.
func JSONError(c echo.Context, status int, detail string) error {
	return c.JSON(status, ErrorResponse{Detail: detail})
}

// JSONErrorCode writes the envelope with a machine-readable code.
func JSONErrorCode(c echo.Context, status int, detail, code string) error {
	return c.JSON(status, ErrorResponse{Detail: detail, Code: code})
}

// JSONFieldErrors writes a validation envelope with per-field reasons.
func JSONFieldErrors(c echo.Context, status int, detail string, fields map[string]string) error {
	return c.JSON(status, ErrorResponse{Detail: detail, Fields: fields})
}
