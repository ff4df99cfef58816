package handlers

import (
	"errors"

	"gift-battle-engine/engine"
	"gift-battle-engine/models"
	"gift-battle-engine/pool"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		conflict   *engine.ConflictError
		noMatch    *engine.NoActiveMatchError
		validation *engine.ValidationError
		persist    *engine.PersistenceError
		exhausted  *pool.ResourceExhaustionError
		fiberErr   *fiber.Error
	)
	switch {
	case errors.As(err, &validation):
		return fiber.StatusBadRequest
	case errors.As(err, &noMatch), errors.Is(err, models.ErrPlayerNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &conflict):
		return fiber.StatusConflict
	case errors.As(err, &persist), errors.As(err, &exhausted):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	body := fiber.Map{"error": err.Error()}
	var validation *engine.ValidationError
	if errors.As(err, &validation) {
		body["field"] = validation.Field
	}
	var persist *engine.PersistenceError
	if errors.As(err, &persist) {
		body["retryable"] = persist.Retryable()
	}
	if status >= fiber.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "invalid JSON",
		"cause": err.Error(),
	})
}
