// Package api exposes the capture controls and the live distribution over HTTP.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/capture"
	"github.com/andresmejia3/emoscope/internal/sampler"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Controller drives the capture state machine.
type Controller interface {
	Status() capture.Status
	Open(ctx context.Context) error
	Close() error
}

// Feed is where published distributions are read from.
type Feed interface {
	Latest() (sampler.Publication, bool)
	Subscribe(buffer int) (<-chan sampler.Publication, func())
}

type Server struct {
	app  *fiber.App
	ctl  Controller
	feed Feed
	log  *logrus.Entry

	// done ends open event streams on shutdown.
	done     chan struct{}
	stopOnce sync.Once
}

func NewServer(ctl Controller, feed Feed, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		ctl:  ctl,
		feed: feed,
		log:  log,
		done: make(chan struct{}),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "emoscope",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(s.logRequests)

	RegisterHealthRoutes(s.app)
	s.registerCaptureRoutes(s.app)
	s.registerDistributionRoutes(s.app)
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("serving api")
	return s.app.Listen(addr)
}

// Shutdown ends every event stream and stops the listener.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.app.ShutdownWithTimeout(timeout)
}

func RegisterHealthRoutes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.WithFields(logrus.Fields{
		"method":  c.Method(),
		"path":    c.Path(),
		"status":  c.Response().StatusCode(),
		"latency": time.Since(start),
	}).Debug("request")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
