// handlers/webhook_routes.go
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"log"
	"os"

	"jerky-rank-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupWebhookRoutes mounts the commerce-platform ingress. Deliveries carry an
// HMAC-SHA256 of the raw body in X-Webhook-Signature, keyed by the shared
// secret configured on the platform side.
func SetupWebhookRoutes(app *fiber.App, webhooks *services.WebhookService) {
	secret := []byte(os.Getenv("COMMERCE_WEBHOOK_SECRET"))
	if len(secret) == 0 {
		log.Println("⚠️ [WEBHOOK] COMMERCE_WEBHOOK_SECRET not set — ingress will reject all deliveries")
	}

	app.Post("/webhooks/:kind", func(c *fiber.Ctx) error {
		body := c.Body()
		if !verifySignature(secret, body, c.Get("X-Webhook-Signature")) {
			log.Printf("🚫 [WEBHOOK] bad signature on %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid webhook signature",
			})
		}

		receipt, err := webhooks.Ingest(c.Context(), c.Params("kind"), body)
		if err != nil {
			if services.KindOf(err) == services.ErrReplay {
				// Acknowledge duplicates so the platform stops redelivering.
				return c.JSON(fiber.Map{"message": "duplicate, already accepted"})
			}
			return services.RespondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"message":    "accepted",
			"receipt_id": receipt.ID,
		})
	})
}

func verifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
