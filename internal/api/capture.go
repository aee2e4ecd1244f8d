package api

import (
	"errors"

	"github.com/andresmejia3/emoscope/internal/capture"
	"github.com/gofiber/fiber/v2"
)

func (s *Server) registerCaptureRoutes(app *fiber.App) {
	app.Get("/api/state", s.getState)
	app.Post("/api/open", s.openCapture)
	app.Post("/api/close", s.closeCapture)
}

func (s *Server) getState(c *fiber.Ctx) error {
	st := s.ctl.Status()
	body := fiber.Map{
		"state": st.State.String(),
		"epoch": st.Epoch,
	}
	if st.Err != nil {
		body["error"] = st.Err.Error()
	}
	return c.JSON(body)
}

func (s *Server) openCapture(c *fiber.Ctx) error {
	if err := s.ctl.Open(c.UserContext()); err != nil {
		return errJson(c, err)
	}
	return s.getState(c)
}

func (s *Server) closeCapture(c *fiber.Ctx) error {
	if err := s.ctl.Close(); err != nil {
		return errJson(c, err)
	}
	return s.getState(c)
}

// errJson maps capture errors onto status codes.
func errJson(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, capture.ErrAlreadyCapturing), errors.Is(err, capture.ErrNotCapturing):
		code = fiber.StatusConflict
	case errors.Is(err, capture.ErrModelsNotReady):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, capture.ErrAcquire):
		code = fiber.StatusBadGateway
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
