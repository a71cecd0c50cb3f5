// handlers/realtime_routes.go
package handlers

import (
	"time"

	"jerky-rank-system/middleware"
	"jerky-rank-system/realtime"
	"jerky-rank-system/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// SetupRealtimeRoutes mounts the websocket fanout. Browsers cannot attach
// gateway headers to an upgrade request, so clients first exchange their
// gateway context for a short-lived signed ticket, then connect with it in
// the query string.
func SetupRealtimeRoutes(app *fiber.App, hub *realtime.Hub) {
	securedGroup := app.Group("/s", middleware.UserContextMiddleware())

	securedGroup.Get("/ws/ticket", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		isAdmin, _ := c.Locals("is_admin").(bool)

		ticket, err := middleware.MintWSTicket(userID, isAdmin, 60*time.Second)
		if err != nil {
			return services.RespondError(c, services.WrapErr(services.ErrBug, err, "mint ws ticket"))
		}
		return c.JSON(fiber.Map{"token": ticket, "expires_in": 60})
	})

	app.Get("/ws", middleware.WSAuthMiddleware(), func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID := c.Locals("user_id").(string)
		isAdmin, _ := c.Locals("is_admin").(bool)

		return websocket.New(func(conn *websocket.Conn) {
			hub.ServeConn(conn, userID, isAdmin)
		})(c)
	})
}
