// handlers/rank_routes.go
package handlers

import (
	"sort"

	"jerky-rank-system/middleware"
	"jerky-rank-system/models"
	"jerky-rank-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupRankingRoutes(app *fiber.App, rankings *services.RankingService) {
	securedGroup := app.Group("/s", middleware.UserContextMiddleware())

	// Save a full ranking snapshot. The Idempotency-Key header makes retried
	// deliveries safe; replays return the original result with replayed=true.
	securedGroup.Post("/rankings", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			Entries []services.RankInput `json:"entries"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}

		result, err := rankings.SaveRanking(c.Context(), userID, req.Entries, c.Get("Idempotency-Key"))
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(result)
	})

	// Current ranking, folded from the event log.
	securedGroup.Get("/rankings", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		current, err := services.CurrentRanking(rankings.DB, userID)
		if err != nil {
			return services.RespondError(c, err)
		}

		entries := make([]services.RankEntry, 0, len(current))
		for _, e := range current {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })

		return c.JSON(fiber.Map{"entries": entries, "total": len(entries)})
	})

	// Rate / review / login engagement events.
	securedGroup.Post("/engagement", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			Kind      string `json:"kind"`
			ProductID string `json:"product_id,omitempty"`
			Value     int    `json:"value,omitempty"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}

		if err := rankings.RecordEngagement(c.Context(), userID, req.Kind, req.ProductID,
			req.Value, c.Get("Idempotency-Key")); err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(fiber.Map{"message": "recorded"})
	})

	// Rankable products for the picker: owned fulfilled/delivered products
	// plus anything force-rankable.
	securedGroup.Get("/rankings/eligible", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var owned []string
		if err := rankings.DB.Model(&models.CustomerOrderItem{}).
			Where("user_id = ? AND fulfillment_status IN ?", userID,
				[]string{models.FulfillmentFulfilled, models.FulfillmentDelivered}).
			Distinct().Pluck("product_id", &owned).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "load owned products"))
		}

		var products []models.Product
		query := rankings.DB.Where("force_rankable = ?", true)
		if len(owned) > 0 {
			query = query.Or("id IN ?", owned)
		}
		if err := query.Find(&products).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "load products"))
		}
		return c.JSON(products)
	})
}
