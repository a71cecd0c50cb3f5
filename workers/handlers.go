// workers/handlers.go
package workers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/services"
)

// RegisterHandlers wires the job kinds into the pool. Import jobs get a long
// timeout since one user can have years of order history behind a rate limit.
func RegisterHandlers(p *Pool, imports *services.ImportService, classifier *services.ClassificationService,
	webhooks *services.WebhookService, evaluator *services.Evaluator) {

	p.Register(models.JobKindImportUser, 5*time.Minute, importUserHandler(p.Queue, imports, evaluator))
	p.Register(models.JobKindClassifyUser, 0, classifyUserHandler(classifier))
	p.Register(models.JobKindWebhook, 0, webhookHandler(webhooks))
}

type importUserPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// importUserHandler pulls one user's order history, then chains a
// classification job so their communities reflect the new purchases.
func importUserHandler(queue *Queue, imports *services.ImportService, evaluator *services.Evaluator) Handler {
	return func(ctx context.Context, payload []byte) error {
		var p importUserPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return services.WrapErr(services.ErrBug, err, "bad import-user payload")
		}

		lines, err := imports.ImportUserHistory(ctx, p.UserID)
		if err != nil {
			if services.Terminal(err) {
				// Terminal failure still settles the user so the session can
				// finish; the dead letter keeps the evidence.
				_ = imports.FinishUserImport(ctx, p.UserID, p.SessionID, true)
			}
			return err
		}
		log.Printf("📥 [IMPORT] user %s: %d order lines", p.UserID, lines)

		if err := imports.FinishUserImport(ctx, p.UserID, p.SessionID, false); err != nil {
			return err
		}

		if _, err := queue.Enqueue(ctx, models.JobKindClassifyUser,
			map[string]string{"user_id": p.UserID}, "classify:"+p.UserID+":"+p.SessionID); err != nil {
			return err
		}
		if evaluator != nil {
			evaluator.TriggerAsync(p.UserID, models.EventKindDelivery)
		}
		return nil
	}
}

type classifyUserPayload struct {
	UserID string `json:"user_id"`
}

func classifyUserHandler(classifier *services.ClassificationService) Handler {
	return func(ctx context.Context, payload []byte) error {
		var p classifyUserPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return services.WrapErr(services.ErrBug, err, "bad classify-user payload")
		}
		return classifier.ClassifyUser(ctx, p.UserID)
	}
}

type webhookPayload struct {
	ReceiptID string `json:"receipt_id"`
}

func webhookHandler(webhooks *services.WebhookService) Handler {
	return func(ctx context.Context, payload []byte) error {
		var p webhookPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return services.WrapErr(services.ErrBug, err, "bad webhook payload")
		}
		return webhooks.Process(ctx, p.ReceiptID)
	}
}
