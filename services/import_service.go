package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"jerky-rank-system/models"
	"jerky-rank-system/realtime"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobEnqueuer is the slice of the job queue the import pipeline needs.
// Duplicate idempotency keys within the dedup window are dropped, returning
// enqueued=false.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, idemKey string) (enqueued bool, err error)
}

const importBroadcastInterval = 500 * time.Millisecond

// ImportService runs bulk customer imports against the commerce platform.
// One session at a time: fetch customer pages, upsert users, enqueue one
// import-user job per user, then wait for the workers to drain.
type ImportService struct {
	DB     *gorm.DB
	Client *CommerceClient
	Queue  JobEnqueuer
	Bus    realtime.Publisher

	mu            sync.Mutex
	running       bool
	lastBroadcast time.Time
}

func NewImportService(db *gorm.DB, client *CommerceClient, queue JobEnqueuer, bus realtime.Publisher) *ImportService {
	if bus == nil {
		bus = realtime.NopPublisher{}
	}
	return &ImportService{DB: db, Client: client, Queue: queue, Bus: bus}
}

// StartOptions configures a new session.
type StartOptions struct {
	Mode              string `json:"mode"` // incremental | full
	BatchSize         int    `json:"batch_size,omitempty"`
	TargetUnprocessed int    `json:"target_unprocessed,omitempty"` // incremental: stop after this many new users
	ReimportAll       bool   `json:"reimport_all,omitempty"`
}

// Start creates a session and runs it in the background. Only one session may
// be in flight per process.
func (s *ImportService) Start(ctx context.Context, opts StartOptions) (*models.ImportSession, error) {
	if !s.Client.Configured() {
		return nil, Errf(ErrValidation, "commerce API not configured")
	}
	switch opts.Mode {
	case models.ImportModeIncremental, models.ImportModeFull:
	case "":
		opts.Mode = models.ImportModeIncremental
	default:
		return nil, Errf(ErrValidation, "unknown import mode %q", opts.Mode)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 250
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, Errf(ErrConflict, "an import session is already running")
	}
	s.running = true
	s.mu.Unlock()

	session := &models.ImportSession{
		Mode:              opts.Mode,
		Phase:             models.ImportPhaseFetching,
		BatchSize:         opts.BatchSize,
		TargetUnprocessed: opts.TargetUnprocessed,
		ReimportAll:       opts.ReimportAll,
		StartedAt:         time.Now().UTC(),
	}
	if err := s.DB.Create(session).Error; err != nil {
		s.clearRunning()
		return nil, WrapErr(ErrTransient, err, "create import session")
	}

	go s.run(context.WithoutCancel(ctx), session)
	return session, nil
}

// Resume picks up a fetching/enqueuing session from its persisted cursor,
// e.g. after a process restart.
func (s *ImportService) Resume(ctx context.Context, sessionID string) (*models.ImportSession, error) {
	var session models.ImportSession
	if err := s.DB.Where("id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Errf(ErrNotFound, "import session %s not found", sessionID)
		}
		return nil, WrapErr(ErrTransient, err, "load import session")
	}
	switch session.Phase {
	case models.ImportPhaseCompleted:
		return nil, Errf(ErrValidation, "session %s already completed", sessionID)
	case models.ImportPhaseProcessing:
		// Jobs already enqueued; workers carry it, nothing to resume here.
		return &session, nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, Errf(ErrConflict, "an import session is already running")
	}
	s.running = true
	s.mu.Unlock()

	session.Phase = models.ImportPhaseFetching
	session.LastError = ""
	if err := s.DB.Save(&session).Error; err != nil {
		s.clearRunning()
		return nil, WrapErr(ErrTransient, err, "resume import session")
	}
	go s.run(context.WithoutCancel(ctx), &session)
	return &session, nil
}

// Status returns the session row plus live job counts.
func (s *ImportService) Status(sessionID string) (*models.ImportSession, map[string]int64, error) {
	var session models.ImportSession
	if err := s.DB.Where("id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, Errf(ErrNotFound, "import session %s not found", sessionID)
		}
		return nil, nil, WrapErr(ErrTransient, err, "load import session")
	}
	counts := map[string]int64{}
	for _, state := range []string{models.JobWaiting, models.JobActive, models.JobCompleted, models.JobFailed} {
		var n int64
		if err := s.DB.Model(&models.Job{}).
			Where("kind = ? AND state = ? AND idempotency_key LIKE ?",
				models.JobKindImportUser, state, "%:"+sessionID).
			Count(&n).Error; err != nil {
			return nil, nil, WrapErr(ErrTransient, err, "count session jobs")
		}
		counts[state] = n
	}
	return &session, counts, nil
}

func (s *ImportService) clearRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *ImportService) run(ctx context.Context, session *models.ImportSession) {
	defer s.clearRunning()

	log.Printf("📦 [IMPORT] session %s started (mode=%s)", session.ID, session.Mode)
	if err := s.fetchAndEnqueue(ctx, session); err != nil {
		log.Printf("❌ [IMPORT] session %s failed: %v", session.ID, err)
		now := time.Now().UTC()
		session.Phase = models.ImportPhaseFailed
		session.LastError = err.Error()
		session.EndedAt = &now
		_ = s.DB.Save(session).Error
		s.broadcast(session, true)
		return
	}

	session.Phase = models.ImportPhaseProcessing
	_ = s.DB.Save(session).Error
	s.broadcast(session, true)
	log.Printf("✅ [IMPORT] session %s enqueued %d jobs, handed off to workers",
		session.ID, session.EnqueuedCount)
}

func (s *ImportService) fetchAndEnqueue(ctx context.Context, session *models.ImportSession) error {
	cursor := session.Cursor
	var newlyPending int64

	for {
		customers, next, err := s.Client.FetchCustomersPage(ctx, cursor, session.BatchSize)
		if err != nil {
			return err
		}
		for _, c := range customers {
			created, pending, err := s.upsertCustomer(session, c)
			if err != nil {
				session.FailedCount++
				session.LastError = err.Error()
				continue
			}
			session.FetchedCount++
			if created {
				session.CreatedCount++
			} else {
				session.UpdatedCount++
			}
			if pending {
				newlyPending++
			}
		}

		cursor = next
		session.Cursor = cursor
		if err := s.DB.Save(session).Error; err != nil {
			return WrapErr(ErrTransient, err, "persist import cursor")
		}
		s.broadcast(session, false)

		if cursor == "" {
			break
		}
		if session.Mode == models.ImportModeIncremental &&
			session.TargetUnprocessed > 0 && newlyPending >= int64(session.TargetUnprocessed) {
			break
		}
	}

	// Enqueue one job per user still pending, whether marked by this session
	// or left over from an interrupted one.
	session.Phase = models.ImportPhaseEnqueuing
	if err := s.DB.Save(session).Error; err != nil {
		return WrapErr(ErrTransient, err, "persist import phase")
	}
	s.broadcast(session, true)

	var pending []models.User
	if err := s.DB.Where("import_state = ?", models.ImportStatePending).
		Find(&pending).Error; err != nil {
		return WrapErr(ErrTransient, err, "load pending users")
	}
	for i := range pending {
		u := &pending[i]
		payload := map[string]string{"user_id": u.ID, "session_id": session.ID}
		enqueued, err := s.Queue.Enqueue(ctx, models.JobKindImportUser, payload,
			fmt.Sprintf("%s:%s", u.ID, session.ID))
		if err != nil {
			return err
		}
		if enqueued {
			session.EnqueuedCount++
		}
		if err := s.DB.Model(&models.User{}).Where("id = ?", u.ID).
			Update("last_import_session", session.ID).Error; err != nil {
			return WrapErr(ErrTransient, err, "tag user with session")
		}
		s.broadcast(session, false)
	}
	return s.DB.Save(session).Error
}

// upsertCustomer writes the user row and decides whether it needs a per-user
// import job. Returns (created, markedPending).
func (s *ImportService) upsertCustomer(session *models.ImportSession, c CommerceCustomer) (bool, bool, error) {
	if c.ID == "" {
		return false, false, Errf(ErrValidation, "customer with empty id")
	}

	var existing models.User
	err := s.DB.Where("external_customer_id = ?", c.ID).First(&existing).Error
	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return false, false, WrapErr(ErrTransient, err, "lookup customer")
	}

	needsImport := isNew || session.ReimportAll ||
		existing.ImportState == "" || existing.ImportState == models.ImportStateFailed

	user := models.User{
		ExternalCustomerID: c.ID,
		Email:              c.Email,
		DisplayHandle:      displayHandle(c),
	}
	if needsImport {
		user.ImportState = models.ImportStatePending
	}

	assigns := map[string]interface{}{"email": user.Email, "display_handle": user.DisplayHandle}
	if needsImport {
		assigns["import_state"] = models.ImportStatePending
	}
	if err := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_customer_id"}},
		DoUpdates: clause.Assignments(assigns),
	}).Create(&user).Error; err != nil {
		return false, false, WrapErr(ErrTransient, err, "upsert customer")
	}
	return isNew, needsImport, nil
}

func displayHandle(c CommerceCustomer) string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + string([]rune(c.LastName)[0]) + "."
	case c.FirstName != "":
		return c.FirstName
	default:
		return "Jerky Fan"
	}
}

// broadcast pushes a progress event to the bulk-import room, throttled to one
// every 500ms unless forced.
func (s *ImportService) broadcast(session *models.ImportSession, force bool) {
	s.mu.Lock()
	if !force && time.Since(s.lastBroadcast) < importBroadcastInterval {
		s.mu.Unlock()
		return
	}
	s.lastBroadcast = time.Now()
	s.mu.Unlock()

	s.Bus.Publish(realtime.Event{
		Room: realtime.RoomBulkImport,
		Type: realtime.EventImportProgress,
		Payload: map[string]interface{}{
			"session_id": session.ID,
			"phase":      session.Phase,
			"fetched":    session.FetchedCount,
			"created":    session.CreatedCount,
			"updated":    session.UpdatedCount,
			"enqueued":   session.EnqueuedCount,
			"failed":     session.FailedCount,
		},
	})
}

// ImportUserHistory pulls one user's full order history from the commerce
// platform and upserts it. Safe under retries: lines dedup on their external
// id and fulfillment never regresses.
func (s *ImportService) ImportUserHistory(ctx context.Context, userID string) (int, error) {
	var user models.User
	if err := s.DB.Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, Errf(ErrNotFound, "user %s not found", userID)
		}
		return 0, WrapErr(ErrTransient, err, "load user")
	}

	orders, err := s.Client.FetchOrders(ctx, user.ExternalCustomerID)
	if err != nil {
		return 0, err
	}

	lines := 0
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, order := range orders {
			status := order.FulfillmentStatus
			if status == "" {
				status = models.FulfillmentUnfulfilled
			}
			for _, line := range order.LineItems {
				if _, err := upsertOrderLine(tx, user.ID, order.OrderNumber, order.CreatedAt, status, line); err != nil {
					return err
				}
				lines++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return lines, nil
}

// FinishUserImport is called by the import-user job handler after a user's
// history lands. It flips the user's state and closes the session once its
// last job completes.
func (s *ImportService) FinishUserImport(ctx context.Context, userID, sessionID string, failed bool) error {
	state := models.ImportStateImported
	if failed {
		state = models.ImportStateFailed
	}
	if err := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).Update("import_state", state).Error; err != nil {
		return WrapErr(ErrTransient, err, "mark user import state")
	}
	if sessionID == "" {
		return nil
	}

	var remaining int64
	if err := s.DB.Model(&models.User{}).
		Where("last_import_session = ? AND import_state = ?", sessionID, models.ImportStatePending).
		Count(&remaining).Error; err != nil {
		return WrapErr(ErrTransient, err, "count remaining users")
	}
	if remaining > 0 {
		return nil
	}

	now := time.Now().UTC()
	res := s.DB.Model(&models.ImportSession{}).
		Where("id = ? AND phase = ?", sessionID, models.ImportPhaseProcessing).
		Updates(map[string]interface{}{"phase": models.ImportPhaseCompleted, "ended_at": now})
	if res.Error != nil {
		return WrapErr(ErrTransient, res.Error, "complete import session")
	}
	if res.RowsAffected > 0 {
		var session models.ImportSession
		if err := s.DB.Where("id = ?", sessionID).First(&session).Error; err == nil {
			s.broadcast(&session, true)
		}
		log.Printf("🏁 [IMPORT] session %s completed", sessionID)
	}
	return nil
}
