package proxy

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/hub-mirror/internal/upstream"
)

// statusFor 把内部错误映射为客户端可见的状态码与错误码，不暴露内部细节。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, upstream.ErrForbidden):
		return fiber.StatusForbidden, "forbidden"
	case errors.Is(err, upstream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, upstream.ErrFingerprintMismatch):
		return fiber.StatusBadGateway, "upstream_changed"
	case errors.Is(err, upstream.ErrUnavailable):
		return fiber.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, errRangeNotSatisfiable):
		return fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
