package web

import (
	"errors"

	"github.com/conductor-hq/conductor/pkg/engine"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine sentinels onto RFC 7807 problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return notFound(c, "execution not found")

	case errors.Is(err, engine.ErrUnauthorizedGraph):
		problem := problems.NewStatusProblem(403).
			WithInstance(c.Path()).
			WithType("unauthorized_graph").
			WithDetail(err.Error())

		return c.Status(fiber.StatusForbidden).JSON(problem)

	case errors.Is(err, engine.ErrGraphNotLoaded):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("graph_not_loaded").
			WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case errors.Is(err, engine.ErrNoStartFunctions):
		return badRequest(c, err.Error())

	case errors.Is(err, engine.ErrStateTooLarge):
		problem := problems.NewStatusProblem(413).
			WithInstance(c.Path()).
			WithType("state_too_large").
			WithDetail(err.Error())

		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(problem)

	case errors.Is(err, engine.ErrInvalidState):
		return badRequest(c, err.Error())

	case errors.Is(err, engine.ErrNotWaiting), errors.Is(err, engine.ErrNotPaused):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, engine.ErrInvalidGraphReference):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("invalid_graph_reference").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		return internalError(c, err)
	}
}
