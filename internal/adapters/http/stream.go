package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/melih/vulndock/internal/core/domain"
)

// PullStream pulls the environment's missing images and relays the
// progress as server-sent events: one `log` event per line, terminated by
// a single `done` or `error` event.
func (h *ConsoleHandler) PullStream(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Environment name is required",
		})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		send := func(line string) {
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", line)
			w.Flush() // a dropped client surfaces here as a write error we ignore; the pull keeps going
		}
		// Deliberately not the request context: an abandoned stream must
		// not cancel the underlying pull, the eventual cache patch still
		// has to apply.
		err := h.engine.Pull(context.Background(), name, send)
		switch {
		case err == nil:
			fmt.Fprint(w, "event: done\ndata: ok\n\n")
		case errors.Is(err, domain.ErrBusy):
			fmt.Fprint(w, "event: error\ndata: another operation is in progress\n\n")
		default:
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		}
		w.Flush()
	}))
	return nil
}
