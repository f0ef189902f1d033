package directory

import (
	"time"

	"estate-credits/services/credit"

	"github.com/bwmarrin/snowflake"
)

// Owner is the directory record of a user or an agency.
type Owner struct {
	ID        string           `gorm:"column:id;primaryKey;size:64" json:"id"`
	Type      credit.OwnerType `gorm:"column:type;primaryKey;size:16" json:"type"`
	Name      string           `gorm:"column:name;size:255" json:"name"`
	Tier      string           `gorm:"column:tier;size:32" json:"tier,omitempty"`
	BaseTier  string           `gorm:"column:base_tier;size:32" json:"base_tier,omitempty"`
	TierUntil *time.Time       `gorm:"column:tier_until" json:"tier_until,omitempty"`
	Active    bool             `gorm:"column:active;not null" json:"active"`
	CreatedAt time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (Owner) TableName() string { return "directory_owners" }

func (o *Owner) Ref() credit.Owner {
	return credit.Owner{Type: o.Type, ID: o.ID}
}

// EffectiveTier drops a temporary tier once it expired.
func (o *Owner) EffectiveTier(now time.Time) string {
	if o.TierUntil != nil && !o.TierUntil.After(now) {
		return o.BaseTier
	}
	return o.Tier
}

// AgencyMember links a user agent to an agency.
type AgencyMember struct {
	ID       snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	AgencyID string       `gorm:"column:agency_id;size:64;not null;uniqueIndex:idx_agency_members_agency_user,priority:1" json:"agency_id"`
	UserID   string       `gorm:"column:user_id;size:64;not null;uniqueIndex:idx_agency_members_agency_user,priority:2" json:"user_id"`
	Active   bool         `gorm:"column:active;not null" json:"active"`
	JoinedAt time.Time    `gorm:"column:joined_at;not null" json:"joined_at"`
}

func (AgencyMember) TableName() string { return "agency_members" }

// Listing is the slice of a property listing the ledger cares about.
type Listing struct {
	ID         string           `gorm:"column:id;primaryKey;size:64" json:"id"`
	OwnerType  credit.OwnerType `gorm:"column:owner_type;size:16;not null;index:idx_listings_owner,priority:1" json:"owner_type"`
	OwnerID    string           `gorm:"column:owner_id;size:64;not null;index:idx_listings_owner,priority:2" json:"owner_id"`
	ImageCount int              `gorm:"column:image_count;not null" json:"image_count"`
	Active     bool             `gorm:"column:active;not null" json:"active"`
	CreatedAt  time.Time        `gorm:"column:created_at" json:"created_at"`
}

func (Listing) TableName() string { return "listings" }

// FeatureWindow records until when a paid feature is on for a target.
type FeatureWindow struct {
	ID         snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	TargetType string       `gorm:"column:target_type;size:16;not null;uniqueIndex:idx_feature_windows_target,priority:1" json:"target_type"`
	TargetID   string       `gorm:"column:target_id;size:96;not null;uniqueIndex:idx_feature_windows_target,priority:2" json:"target_id"`
	Feature    string       `gorm:"column:feature;size:48;not null;uniqueIndex:idx_feature_windows_target,priority:3" json:"feature"`
	Until      time.Time    `gorm:"column:until;not null;index" json:"until"`
	Reference  string       `gorm:"column:reference;size:64" json:"reference"`
	UpdatedAt  time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (FeatureWindow) TableName() string { return "feature_windows" }

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Owner{}, &AgencyMember{}, &Listing{}, &FeatureWindow{}}
}
