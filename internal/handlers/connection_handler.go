package handlers

import (
	"github.com/gofiber/fiber/v2"

	"lambda-live-bridge/internal/middleware"
	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/registry"
	"lambda-live-bridge/internal/relay"
)

// StatsSource reports relay routing counters.
type StatsSource interface {
	Stats() relay.Stats
}

type ConnectionHandler struct {
	registry registry.Registry
	stats    StatsSource
}

func NewConnectionHandler(reg registry.Registry, stats StatsSource) *ConnectionHandler {
	return &ConnectionHandler{registry: reg, stats: stats}
}

// Register mounts the handler's routes on r.
func (h *ConnectionHandler) Register(r fiber.Router) {
	r.Get("/connections/client", h.GetClient)
	r.Get("/connections/:id", h.GetConnection)
	r.Delete("/connections/:id", h.DeleteConnection)
	r.Get("/stats", h.GetStats)
}

// GetClient godoc
// @Summary Get the attached client
// @Description Return the connection currently registered as the developer client
// @Tags connections
// @Produce json
// @Success 200 {object} models.Connection
// @Failure 404 {object} map[string]string
// @Router /connections/client [get]
func (h *ConnectionHandler) GetClient(c *fiber.Ctx) error {
	conn, err := h.registry.Get(middleware.Context(c), models.RoleClient)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if conn == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no client registered",
		})
	}
	return c.JSON(conn)
}

// GetConnection godoc
// @Summary Look up a connection
// @Description Resolve a registered client or stub connection by id
// @Tags connections
// @Produce json
// @Param id path string true "Connection ID"
// @Success 200 {object} models.Connection
// @Failure 404 {object} map[string]string
// @Router /connections/{id} [get]
func (h *ConnectionHandler) GetConnection(c *fiber.Ctx) error {
	conn, err := h.registry.Lookup(middleware.Context(c), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if conn == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "connection not found",
		})
	}
	return c.JSON(conn)
}

// DeleteConnection godoc
// @Summary Evict a connection
// @Description Remove a connection from the registry. The client slot is only cleared while it still holds this id.
// @Tags connections
// @Param id path string true "Connection ID"
// @Success 204
// @Router /connections/{id} [delete]
func (h *ConnectionHandler) DeleteConnection(c *fiber.Ctx) error {
	if err := h.registry.Remove(middleware.Context(c), c.Params("id")); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetStats godoc
// @Summary Routing counters
// @Description Counts of forwarded, undelivered, gone and discarded messages since start
// @Tags relay
// @Produce json
// @Success 200 {object} relay.Stats
// @Router /stats [get]
func (h *ConnectionHandler) GetStats(c *fiber.Ctx) error {
	if h.stats == nil {
		return c.JSON(relay.Stats{})
	}
	return c.JSON(h.stats.Stats())
}
