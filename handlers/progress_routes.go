// handlers/progress_routes.go
package handlers

import (
	"time"

	"jerky-rank-system/middleware"
	"jerky-rank-system/models"
	"jerky-rank-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupProgressRoutes(app *fiber.App, progress *services.ProgressService,
	classifier *services.ClassificationService, registry *services.CoinRegistry) {

	securedGroup := app.Group("/s", middleware.UserContextMiddleware())

	securedGroup.Get("/user/progress", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		summary, err := progress.Get(c.Context(), userID)
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(summary)
	})

	// The coin wall: every visible definition plus the user's standing on it.
	// Secret coins only appear once earned.
	securedGroup.Get("/user/coins", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		defs, err := registry.Definitions()
		if err != nil {
			return services.RespondError(c, err)
		}

		var rows []models.UserAchievement
		if err := progress.DB.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "load user achievements"))
		}
		earned := make(map[string]*models.UserAchievement, len(rows))
		for i := range rows {
			earned[rows[i].CoinID] = &rows[i]
		}

		var response []fiber.Map
		for i := range defs {
			def := &defs[i]
			row := earned[def.ID]
			if def.Hidden && (row == nil || models.TierOrdinal(row.CurrentTier) == 0) {
				continue
			}

			entry := fiber.Map{
				"code":            def.Code,
				"name":            def.Name,
				"description":     def.Description,
				"icon_url":        def.IconURL,
				"collection_type": def.CollectionType,
				"tiers":           def.Tiers,
				"hidden":          def.Hidden,
				"current_tier":    models.TierNone,
				"progress":        0,
				"points_awarded":  0,
			}
			if row != nil {
				entry["current_tier"] = row.CurrentTier
				entry["progress"] = row.Progress
				entry["points_awarded"] = row.PointsAwarded
				entry["first_earned_at"] = row.FirstEarnedAt
				entry["last_upgraded_at"] = row.LastUpgradedAt
			}
			response = append(response, entry)
		}
		return c.JSON(response)
	})

	securedGroup.Get("/user/communities", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		states, err := classifier.States(userID)
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(states)
	})

	// One guidance card for the requesting page.
	securedGroup.Get("/user/guidance", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		states, err := classifier.States(userID)
		if err != nil {
			return services.RespondError(c, err)
		}
		summary, err := progress.Get(c.Context(), userID)
		if err != nil {
			return services.RespondError(c, err)
		}

		card := services.SelectGuidance(services.GuidanceInput{
			States:      states,
			Progress:    summary,
			PageContext: c.Query("page", ""),
			Now:         time.Now().UTC(),
		})
		return c.JSON(card)
	})
}
