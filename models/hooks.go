package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BeforeCreate hooks assign uuid primary keys app-side. Postgres would do it
// via the column default, but sqlite (used by the test suites) has no
// gen_random_uuid(), so the hook keeps both backends working.

func setID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (u *User) BeforeCreate(*gorm.DB) error                { setID(&u.ID); return nil }
func (p *Product) BeforeCreate(*gorm.DB) error             { setID(&p.ID); return nil }
func (m *ProductMetadata) BeforeCreate(*gorm.DB) error     { setID(&m.ID); return nil }
func (o *CustomerOrderItem) BeforeCreate(*gorm.DB) error   { setID(&o.ID); return nil }
// RankingEvent additionally backfills Seq on sqlite, which has no sequences
// for non-key columns; postgres assigns it via bigserial.
func (e *RankingEvent) BeforeCreate(tx *gorm.DB) error {
	setID(&e.ID)
	if e.Seq == 0 && tx.Dialector.Name() == "sqlite" {
		var max int64
		if err := tx.Model(&RankingEvent{}).Select("COALESCE(MAX(seq), 0)").Scan(&max).Error; err != nil {
			return err
		}
		e.Seq = max + 1
	}
	return nil
}
func (e *EngagementEvent) BeforeCreate(*gorm.DB) error     { setID(&e.ID); return nil }
func (r *RankingReceipt) BeforeCreate(*gorm.DB) error      { setID(&r.ID); return nil }
func (d *CoinDefinition) BeforeCreate(*gorm.DB) error      { setID(&d.ID); return nil }
func (a *UserAchievement) BeforeCreate(*gorm.DB) error     { setID(&a.ID); return nil }
func (c *CoinTypeConfig) BeforeCreate(*gorm.DB) error      { setID(&c.ID); return nil }
func (f *FlavorProfileState) BeforeCreate(*gorm.DB) error  { setID(&f.ID); return nil }
func (c *FlavorCommunityConfig) BeforeCreate(*gorm.DB) error { setID(&c.ID); return nil }
func (j *Job) BeforeCreate(*gorm.DB) error                 { setID(&j.ID); return nil }
func (d *JobDeadLetter) BeforeCreate(*gorm.DB) error       { setID(&d.ID); return nil }
func (s *ImportSession) BeforeCreate(*gorm.DB) error       { setID(&s.ID); return nil }
func (w *WebhookReceipt) BeforeCreate(*gorm.DB) error      { setID(&w.ID); return nil }
