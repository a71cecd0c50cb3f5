// handlers/admin_routes.go
package handlers

import (
	"context"
	"time"

	"jerky-rank-system/middleware"
	"jerky-rank-system/models"
	"jerky-rank-system/services"
	"jerky-rank-system/utils"
	"jerky-rank-system/workers"

	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AdminDeps bundles everything the admin surface touches.
type AdminDeps struct {
	DB         *gorm.DB
	Imports    *services.ImportService
	Classifier *services.ClassificationService
	Registry   *services.CoinRegistry
	Webhooks   *services.WebhookService
	Queue      *workers.Queue
}

func SetupAdminRoutes(app *fiber.App, deps AdminDeps) {
	adminGroup := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.AdminOnly())

	// --- Bulk import ---

	adminGroup.Post("/import/start", func(c *fiber.Ctx) error {
		var opts services.StartOptions
		if err := c.BodyParser(&opts); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}
		session, err := deps.Imports.Start(c.Context(), opts)
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(session)
	})

	adminGroup.Post("/import/:id/resume", func(c *fiber.Ctx) error {
		session, err := deps.Imports.Resume(c.Context(), c.Params("id"))
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(session)
	})

	adminGroup.Get("/import/:id", func(c *fiber.Ctx) error {
		session, jobs, err := deps.Imports.Status(c.Params("id"))
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(fiber.Map{"session": session, "jobs": jobs})
	})

	adminGroup.Get("/import", func(c *fiber.Ctx) error {
		var sessions []models.ImportSession
		if err := deps.DB.Order("started_at DESC").Limit(20).Find(&sessions).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "list import sessions"))
		}
		return c.JSON(sessions)
	})

	// --- Job queue ---

	adminGroup.Get("/jobs/stats", func(c *fiber.Ctx) error {
		stats, err := deps.Queue.Stats(c.Context())
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(stats)
	})

	adminGroup.Post("/jobs/clean", func(c *fiber.Ctx) error {
		hours := c.QueryInt("older_than_hours", 24)
		n, err := deps.Queue.CleanCompleted(c.Context(), time.Duration(hours)*time.Hour)
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(fiber.Map{"deleted": n})
	})

	adminGroup.Get("/jobs/dead-letters", func(c *fiber.Ctx) error {
		rows, err := deps.Queue.DeadLetters(c.Context(), c.QueryInt("limit", 100))
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(rows)
	})

	// --- Flavor community config ---

	adminGroup.Get("/community/config", func(c *fiber.Ctx) error {
		cfg, err := deps.Classifier.Config()
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(cfg)
	})

	adminGroup.Put("/community/config", func(c *fiber.Ctx) error {
		var req struct {
			MinProducts      int     `json:"min_products"`
			EnthusiastTopPct float64 `json:"enthusiast_top_pct"`
			ExplorerBottomPct float64 `json:"explorer_bottom_pct"`
			DeliveredStatus  string  `json:"delivered_status"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}
		cfg, err := deps.Classifier.UpdateConfig(req.MinProducts, req.EnthusiastTopPct,
			req.ExplorerBottomPct, req.DeliveredStatus)
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(cfg)
	})

	// Kick a full classification run outside the nightly schedule.
	adminGroup.Post("/community/full-run", func(c *fiber.Ctx) error {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			_ = deps.Classifier.FullRun(ctx)
		}()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "full run started"})
	})

	// --- Coin catalog ---

	adminGroup.Get("/coins", func(c *fiber.Ctx) error {
		var defs []models.CoinDefinition
		if err := deps.DB.Order("code ASC").Find(&defs).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "list coin definitions"))
		}
		return c.JSON(defs)
	})

	adminGroup.Post("/coins", func(c *fiber.Ctx) error {
		def, err := parseCoinBody(c)
		if err != nil {
			return services.RespondError(c, err)
		}
		if err := deps.DB.Create(def).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrConflict, err, "create coin definition"))
		}
		deps.Registry.Invalidate()
		return c.Status(fiber.StatusCreated).JSON(def)
	})

	adminGroup.Put("/coins/:code", func(c *fiber.Ctx) error {
		var existing models.CoinDefinition
		if err := deps.DB.Where("code = ?", c.Params("code")).First(&existing).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return services.RespondError(c, services.Errf(services.ErrNotFound, "coin %s not found", c.Params("code")))
			}
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "load coin definition"))
		}

		def, err := parseCoinBody(c)
		if err != nil {
			return services.RespondError(c, err)
		}
		def.ID = existing.ID
		def.Code = existing.Code // codes are immutable, everything else is editable
		if err := deps.DB.Save(def).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "update coin definition"))
		}
		deps.Registry.Invalidate()
		return c.JSON(def)
	})

	// Disable instead of delete: earned rows keep their points and history.
	adminGroup.Post("/coins/:code/disable", func(c *fiber.Ctx) error {
		res := deps.DB.Model(&models.CoinDefinition{}).
			Where("code = ?", c.Params("code")).Update("enabled", false)
		if res.Error != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, res.Error, "disable coin"))
		}
		if res.RowsAffected == 0 {
			return services.RespondError(c, services.Errf(services.ErrNotFound, "coin %s not found", c.Params("code")))
		}
		deps.Registry.Invalidate()
		return c.JSON(fiber.Map{"message": "disabled"})
	})

	adminGroup.Post("/coins/:code/icon", func(c *fiber.Ctx) error {
		fileHeader, err := c.FormFile("icon")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "icon file missing",
				"cause": err.Error(),
			})
		}
		url, err := utils.UploadCoinIcon(fileHeader, c.Params("code"))
		if err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "icon upload"))
		}
		res := deps.DB.Model(&models.CoinDefinition{}).
			Where("code = ?", c.Params("code")).Update("icon_url", url)
		if res.Error != nil || res.RowsAffected == 0 {
			return services.RespondError(c, services.Errf(services.ErrNotFound, "coin %s not found", c.Params("code")))
		}
		deps.Registry.Invalidate()
		return c.JSON(fiber.Map{"icon_url": url})
	})

	// Per-collection-type switchboard.
	adminGroup.Get("/coins/types", func(c *fiber.Ctx) error {
		var rows []models.CoinTypeConfig
		if err := deps.DB.Find(&rows).Error; err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, err, "list type config"))
		}
		return c.JSON(rows)
	})

	adminGroup.Put("/coins/types/:type", func(c *fiber.Ctx) error {
		var req struct {
			Enabled          *bool    `json:"enabled"`
			PointsMultiplier *float64 `json:"points_multiplier"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}
		updates := map[string]interface{}{}
		if req.Enabled != nil {
			updates["enabled"] = *req.Enabled
		}
		if req.PointsMultiplier != nil {
			if *req.PointsMultiplier < 0 {
				return services.RespondError(c, services.Errf(services.ErrValidation, "points multiplier cannot be negative"))
			}
			updates["points_multiplier"] = *req.PointsMultiplier
		}
		res := deps.DB.Model(&models.CoinTypeConfig{}).
			Where("collection_type = ?", c.Params("type")).Updates(updates)
		if res.Error != nil {
			return services.RespondError(c, services.WrapErr(services.ErrTransient, res.Error, "update type config"))
		}
		if res.RowsAffected == 0 {
			return services.RespondError(c, services.Errf(services.ErrNotFound, "collection type %s not found", c.Params("type")))
		}
		deps.Registry.Invalidate()
		return c.JSON(fiber.Map{"message": "updated"})
	})

	// --- Webhook receipts ---

	adminGroup.Get("/webhooks", func(c *fiber.Ctx) error {
		rows, err := deps.Webhooks.Receipts(c.QueryInt("limit", 100), c.Query("disposition"))
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(rows)
	})

	adminGroup.Post("/webhooks/prune", func(c *fiber.Ctx) error {
		n, err := deps.Webhooks.PruneReceipts()
		if err != nil {
			return services.RespondError(c, err)
		}
		return c.JSON(fiber.Map{"pruned": n})
	})
}

// parseCoinBody validates the admin payload into a definition. Predicates are
// data only: the kind must name a built-in interpreter.
func parseCoinBody(c *fiber.Ctx) (*models.CoinDefinition, error) {
	var req struct {
		Code            string            `json:"code"`
		Name            string            `json:"name"`
		Description     string            `json:"description"`
		IconRef         string            `json:"icon_ref"`
		Category        string            `json:"category"`
		CollectionType  string            `json:"collection_type"`
		Hidden          bool              `json:"hidden"`
		Enabled         *bool             `json:"enabled"`
		Tiers           []models.TierSpec `json:"tiers"`
		OneShotPoints   int64             `json:"one_shot_points"`
		PredicateKind   string            `json:"predicate_kind"`
		PredicateParams datatypes.JSON    `json:"predicate_params"`
		TriggerKinds    []string          `json:"trigger_kinds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return nil, services.WrapErr(services.ErrValidation, err, "invalid JSON")
	}
	if req.Code == "" || req.Name == "" {
		return nil, services.Errf(services.ErrValidation, "code and name are required")
	}
	switch req.PredicateKind {
	case models.PredicateCounter, models.PredicateStreak, models.PredicateSetCoverage,
		models.PredicateCollection, models.PredicateSecret:
	default:
		return nil, services.Errf(services.ErrValidation, "unknown predicate kind %q", req.PredicateKind)
	}
	switch req.CollectionType {
	case models.CollectionFlavorCoin, models.CollectionStatic, models.CollectionDynamic,
		models.CollectionEngagement, models.CollectionHidden:
	default:
		return nil, services.Errf(services.ErrValidation, "unknown collection type %q", req.CollectionType)
	}
	for _, t := range req.Tiers {
		if models.TierOrdinal(t.Tier) == 0 {
			return nil, services.Errf(services.ErrValidation, "unknown tier %q", t.Tier)
		}
		if t.Required < 1 {
			return nil, services.Errf(services.ErrValidation, "tier %s requires a positive threshold", t.Tier)
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &models.CoinDefinition{
		Code:            req.Code,
		Name:            req.Name,
		Description:     req.Description,
		IconURL:         utils.NormalizeIconRef(req.IconRef),
		Category:        req.Category,
		CollectionType:  req.CollectionType,
		Hidden:          req.Hidden,
		Enabled:         enabled,
		Tiers:           req.Tiers,
		OneShotPoints:   req.OneShotPoints,
		PredicateKind:   req.PredicateKind,
		PredicateParams: req.PredicateParams,
		TriggerKinds:    req.TriggerKinds,
	}, nil
}
