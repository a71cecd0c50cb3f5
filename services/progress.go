package services

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"jerky-rank-system/models"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const progressTTL = 10 * time.Minute

// RecentAchievement is one row of the progress summary's recent list.
type RecentAchievement struct {
	Code     string     `json:"code"`
	Name     string     `json:"name"`
	IconURL  string     `json:"icon_url,omitempty"`
	Tier     string     `json:"tier"`
	Points   int64      `json:"points"`
	Hidden   bool       `json:"hidden,omitempty"`
	EarnedAt *time.Time `json:"earned_at,omitempty"`
}

// Milestone is the next unearned tier rung of a coin.
type Milestone struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	IconURL   string `json:"icon_url,omitempty"`
	Tier      string `json:"tier"`
	Remaining int64  `json:"remaining"`
}

// ProgressSummary is the per-user memoized aggregate.
type ProgressSummary struct {
	TotalRankings      int                 `json:"total_rankings"`
	UniqueProducts     int                 `json:"unique_products"`
	CurrentStreak      int                 `json:"current_streak"`
	LongestStreak      int                 `json:"longest_streak"`
	TotalPoints        int64               `json:"total_points"`
	RecentAchievements []RecentAchievement `json:"recent_achievements"`
	NextMilestones     []Milestone         `json:"next_milestones"`
	ComputedAt         time.Time           `json:"computed_at"`
}

// ProgressService memoizes per-user summaries, lazily computed on first read
// after an invalidation. Backed by redis when available, an in-process map
// otherwise (single-process deployments).
type ProgressService struct {
	DB       *gorm.DB
	Registry *CoinRegistry
	RDB      *goredis.Client // optional

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	summary   *ProgressSummary
	expiresAt time.Time
}

func NewProgressService(db *gorm.DB, registry *CoinRegistry, rdb *goredis.Client) *ProgressService {
	return &ProgressService{DB: db, Registry: registry, RDB: rdb, local: make(map[string]localEntry)}
}

func progressKey(userID string) string { return "progress:" + userID }

// Get returns the cached summary, computing it when absent or expired.
func (s *ProgressService) Get(ctx context.Context, userID string) (*ProgressSummary, error) {
	if cached := s.lookup(ctx, userID); cached != nil {
		return cached, nil
	}
	summary, err := s.compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, userID, summary)
	return summary, nil
}

// Invalidate drops the cached summary; the next read recomputes.
func (s *ProgressService) Invalidate(userID string) {
	if s.RDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.RDB.Del(ctx, progressKey(userID)).Err(); err != nil {
			log.Printf("[PROGRESS] ⚠️ redis invalidate failed for %s: %v", userID, err)
		}
		return
	}
	s.mu.Lock()
	delete(s.local, userID)
	s.mu.Unlock()
}

func (s *ProgressService) lookup(ctx context.Context, userID string) *ProgressSummary {
	if s.RDB != nil {
		raw, err := s.RDB.Get(ctx, progressKey(userID)).Bytes()
		if err != nil {
			return nil
		}
		var summary ProgressSummary
		if json.Unmarshal(raw, &summary) != nil {
			return nil
		}
		return &summary
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.local[userID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.local, userID)
		return nil
	}
	return e.summary
}

func (s *ProgressService) store(ctx context.Context, userID string, summary *ProgressSummary) {
	if s.RDB != nil {
		raw, err := json.Marshal(summary)
		if err != nil {
			return
		}
		if err := s.RDB.Set(ctx, progressKey(userID), raw, progressTTL).Err(); err != nil {
			log.Printf("[PROGRESS] ⚠️ redis store failed for %s: %v", userID, err)
		}
		return
	}
	s.mu.Lock()
	s.local[userID] = localEntry{summary: summary, expiresAt: time.Now().Add(progressTTL)}
	s.mu.Unlock()
}

func (s *ProgressService) compute(ctx context.Context, userID string) (*ProgressSummary, error) {
	proj, err := LoadProjection(s.DB.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}

	everRanked := make(map[string]bool)
	for _, e := range proj.RankEvents {
		if !e.Removed() {
			everRanked[e.ProductID] = true
		}
	}

	summary := &ProgressSummary{
		TotalRankings:  len(proj.Ranks),
		UniqueProducts: len(everRanked),
		CurrentStreak:  proj.CurrentDailyStreak(models.EventKindRank),
		LongestStreak:  proj.LongestDailyStreak(models.EventKindRank),
		ComputedAt:     time.Now().UTC(),
	}

	var rows []models.UserAchievement
	if err := s.DB.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, WrapErr(ErrTransient, err, "load user achievements")
	}
	earned := make(map[string]*models.UserAchievement, len(rows))
	for i := range rows {
		summary.TotalPoints += rows[i].PointsAwarded
		earned[rows[i].CoinID] = &rows[i]
	}

	defs, err := s.Registry.Definitions()
	if err != nil {
		return nil, err
	}

	// Recent: earned coins, newest upgrade first, capped at ten.
	var recent []RecentAchievement
	for i := range defs {
		def := &defs[i]
		row, ok := earned[def.ID]
		if !ok || models.TierOrdinal(row.CurrentTier) == 0 {
			continue
		}
		recent = append(recent, RecentAchievement{
			Code:     def.Code,
			Name:     def.Name,
			IconURL:  def.IconURL,
			Tier:     row.CurrentTier,
			Points:   row.PointsAwarded,
			Hidden:   def.Hidden,
			EarnedAt: row.LastUpgradedAt,
		})
	}
	sort.Slice(recent, func(i, j int) bool {
		a, b := recent[i].EarnedAt, recent[j].EarnedAt
		if a == nil || b == nil {
			return b == nil
		}
		return a.After(*b)
	})
	if len(recent) > 10 {
		recent = recent[:10]
	}
	summary.RecentAchievements = recent

	// Milestones: smallest remaining counts first, capped at three. Secret
	// coins never show up as milestones.
	var milestones []Milestone
	for i := range defs {
		def := &defs[i]
		if def.Hidden {
			continue
		}
		curTier := models.TierNone
		var progress int64
		if row, ok := earned[def.ID]; ok {
			curTier = row.CurrentTier
			progress = row.Progress
		}
		next, ok := def.NextThreshold(curTier)
		if !ok {
			continue // fully completed
		}
		remaining := next.Required - progress
		if remaining < 1 {
			remaining = 1 // due on next evaluation
		}
		milestones = append(milestones, Milestone{
			Code:      def.Code,
			Name:      def.Name,
			IconURL:   def.IconURL,
			Tier:      next.Tier,
			Remaining: remaining,
		})
	}
	sort.Slice(milestones, func(i, j int) bool {
		if milestones[i].Remaining != milestones[j].Remaining {
			return milestones[i].Remaining < milestones[j].Remaining
		}
		return milestones[i].Code < milestones[j].Code
	})
	if len(milestones) > 3 {
		milestones = milestones[:3]
	}
	summary.NextMilestones = milestones

	return summary, nil
}
