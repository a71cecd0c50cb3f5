package models

// FlavorProfiles is the closed taxonomy of flavor-profile tags. Product tags
// outside this set are kept on the row but ignored by classification.
var FlavorProfiles = []string{
	"sweet", "savory", "spicy", "smoky", "teriyaki", "peppered", "original", "exotic",
}

func IsFlavorProfile(tag string) bool {
	for _, p := range FlavorProfiles {
		if p == tag {
			return true
		}
	}
	return false
}

// Product mirrors the Shopify product. Mutated only by import/webhooks;
// the gamification core reads it.
type Product struct {
	ID                string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ExternalProductID string `gorm:"uniqueIndex;not null" json:"external_product_id"`
	Title             string `gorm:"not null" json:"title"`
	Vendor            string `json:"vendor,omitempty"`
	ImageURL          string `gorm:"type:text" json:"image_url,omitempty"`
	ForceRankable     bool   `gorm:"default:false" json:"force_rankable"` // rankable without a purchase

	Timestamps
}

// ProductMetadata carries the gamification-relevant attributes separately from
// the mirrored Shopify row, so webhook updates never clobber curated tags.
type ProductMetadata struct {
	ID              string   `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ProductID       string   `gorm:"uniqueIndex;not null" json:"product_id"`
	FlavorTags      []string `gorm:"serializer:json;type:jsonb" json:"flavor_tags"` // subset of FlavorProfiles
	ProteinCategory string   `gorm:"type:varchar(32)" json:"protein_category"`      // beef, pork, turkey, exotic, ...

	Timestamps
}

func (ProductMetadata) TableName() string { return "product_metadata" }
