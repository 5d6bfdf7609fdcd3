package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/vulndock/internal/adapters/git"
	"github.com/melih/vulndock/internal/core/domain"
	"github.com/melih/vulndock/internal/core/ports"
	"github.com/melih/vulndock/internal/core/services/reconcile"
)

// ConsoleHandler exposes the catalog engine over the console API.
type ConsoleHandler struct {
	engine  *reconcile.Engine
	runtime ports.ContainerRuntime
	syncer  *git.Syncer
}

func NewConsoleHandler(engine *reconcile.Engine, runtime ports.ContainerRuntime, syncer *git.Syncer) *ConsoleHandler {
	return &ConsoleHandler{engine: engine, runtime: runtime, syncer: syncer}
}

// ListEnvironments serves the catalog. ?cache=false forces a full rescan;
// the default serves the fingerprint-validated fast path.
func (h *ConsoleHandler) ListEnvironments(c *fiber.Ctx) error {
	force := c.Query("cache") == "false"
	envs, err := h.engine.Environments(c.Context(), force)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(envs)
}

// RefreshCache forces a rescan and reports the fresh entry count.
func (h *ConsoleHandler) RefreshCache(c *fiber.Ctx) error {
	envs, err := h.engine.Environments(c.Context(), true)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true, "count": len(envs)})
}

func (h *ConsoleHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.engine.Stats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(stats)
}

type environmentRequest struct {
	Name string `json:"name"`
}

func (h *ConsoleHandler) StartEnvironment(c *fiber.Ctx) error {
	var req environmentRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Environment name is required",
		})
	}
	if err := h.engine.Start(c.Context(), req.Name); err != nil {
		return operationError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *ConsoleHandler) StopEnvironment(c *fiber.Ctx) error {
	var req environmentRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Environment name is required",
		})
	}
	if err := h.engine.Stop(c.Context(), req.Name); err != nil {
		return operationError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// CheckImages reports which declared images are missing locally.
func (h *ConsoleHandler) CheckImages(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Environment name is required",
		})
	}
	missing, err := h.engine.MissingImages(c.Context(), name)
	if err != nil {
		return operationError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "missing": missing})
}

// WaitReady blocks until the environment's first published port accepts a
// TCP connection or the timeout passes.
func (h *ConsoleHandler) WaitReady(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Environment name is required",
		})
	}
	timeout := time.Duration(c.QueryInt("timeout", 20)) * time.Second
	ready, port, err := h.engine.WaitReady(c.Context(), name, timeout)
	if err != nil {
		return operationError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "ready": ready, "port": port})
}

// RunningContainers lists what the runtime is currently executing.
func (h *ConsoleHandler) RunningContainers(c *fiber.Ctx) error {
	containers, err := h.runtime.Containers(c.Context())
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true, "containers": containers})
}

// SyncCatalog updates the catalog checkout and rescans when it changed.
func (h *ConsoleHandler) SyncCatalog(c *fiber.Ctx) error {
	changed, err := h.syncer.Sync(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	if changed {
		if _, err := h.engine.Environments(c.Context(), true); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"success": true, "changed": changed})
}

// operationError maps structured operation failures onto the API. Port
// conflicts and busy rejections carry enough detail for the console to
// render a specific message.
func operationError(c *fiber.Ctx, err error) error {
	var conflict *domain.PortConflictError
	switch {
	case errors.As(err, &conflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success":       false,
			"error":         conflict.Error(),
			"port_conflict": true,
			"port":          conflict.Port,
			"conflicting":   conflict.Conflicting,
		})
	case errors.Is(err, domain.ErrBusy):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
			"busy":    true,
		})
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	case errors.Is(err, domain.ErrRuntimeUnavailable):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
}
