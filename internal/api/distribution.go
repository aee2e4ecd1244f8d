package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

const keepAlive = 15 * time.Second

func (s *Server) registerDistributionRoutes(app *fiber.App) {
	app.Get("/api/distribution", s.getDistribution)
	app.Get("/api/events", s.streamEvents)
}

func (s *Server) getDistribution(c *fiber.Ctx) error {
	p, ok := s.feed.Latest()
	if !ok {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(p)
}

// streamEvents pushes every publication as a server-sent "distribution" event,
// starting with the current one.
func (s *Server) streamEvents(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	updates, cancel := s.feed.Subscribe(8)
	latest, has := s.feed.Latest()
	done := s.done

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		if has {
			if err := writeEvent(w, "distribution", latest); err != nil {
				return
			}
		}

		ping := time.NewTicker(keepAlive)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case p, ok := <-updates:
				if !ok {
					return
				}
				if err := writeEvent(w, "distribution", p); err != nil {
					s.log.WithError(err).Debug("event stream client gone")
					return
				}
			case <-ping.C:
				// A comment line; fails once the client has disconnected.
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}
