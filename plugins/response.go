package plugins

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/linht/uwb-ranging/bus"
	"github.com/linht/uwb-ranging/dw3000"
)

// APIResponse is the envelope of every plugin response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *fiber.Ctx, data interface{}, message string) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error response
func SendError(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// SendErrorMessage sends an error response with a custom message
func SendErrorMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// SendRadioError maps a failed radio access to an HTTP status.
func SendRadioError(c *fiber.Ctx, err error) error {
	return SendError(c, radioErrorStatus(err), err)
}

func radioErrorStatus(err error) int {
	var busErr *bus.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// the ranging cycle did not yield the radio in time
		return fiber.StatusServiceUnavailable
	case errors.Is(err, dw3000.ErrNotDetected), errors.As(err, &busErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
