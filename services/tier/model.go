package tier

import (
	"estate-credits/services/credit"

	"github.com/shopspring/decimal"
)

const (
	FreeUser        = "FREE_USER"
	BasicUser       = "BASIC_USER"
	PremiumUser     = "PREMIUM_USER"
	AgencyBasic     = "AGENCY_BASIC"
	AgencyPremium   = "AGENCY_PREMIUM"
	FreeInvestor    = "FREE_INVESTOR"
	BasicInvestor   = "BASIC_INVESTOR"
	PremiumInvestor = "PREMIUM_INVESTOR"
	Admin           = "ADMIN"
)

// Unlimited disables the listing cap.
const Unlimited = -1

// Owner feature windows that raise limits while active.
const (
	FeatureExtraListingSlot = "extra_listing_slot"
	FeatureExtraImageSlots  = "extra_image_slots"

	ExtraListingsPerSlot = 1
	ExtraImagesPerSlot   = 10
)

// DefaultFor is the tier of an owner that never had one assigned.
func DefaultFor(t credit.OwnerType) string {
	if t == credit.OwnerAgency {
		return AgencyBasic
	}
	return FreeUser
}

// Limitation is the static quota row of a tier.
type Limitation struct {
	Tier                string          `gorm:"column:tier;primaryKey;size:32" json:"tier"`
	MaxListings         int             `gorm:"column:max_listings;not null" json:"max_listings"`
	MaxImagesTotal      int             `gorm:"column:max_images_total;not null" json:"max_images_total"`
	MaxImagesPerListing int             `gorm:"column:max_images_per_listing;not null" json:"max_images_per_listing"`
	CanFeature          bool            `gorm:"column:can_feature;not null" json:"can_feature"`
	MaxFeatured         int             `gorm:"column:max_featured;not null" json:"max_featured"`
	MonthlyPrice        decimal.Decimal `gorm:"column:monthly_price;type:numeric(12,2)" json:"monthly_price"`
}

func (Limitation) TableName() string { return "tier_limitations" }

func (l Limitation) CanCreateListing(current int64) bool {
	if l.MaxListings == Unlimited {
		return true
	}
	return current < int64(l.MaxListings)
}

// CanUploadImages checks n new images against the owner total and the
// per-listing cap.
func (l Limitation) CanUploadImages(current int64, n int) bool {
	if n <= 0 {
		return false
	}
	return current+int64(n) <= int64(l.MaxImagesTotal) && n <= l.MaxImagesPerListing
}

func (l Limitation) CanFeatureMore(featured int64) bool {
	return l.CanFeature && featured < int64(l.MaxFeatured)
}

// WithExtras raises the caps by purchased extra slots.
func (l Limitation) WithExtras(listingSlots, imageSlots int) Limitation {
	if l.MaxListings != Unlimited {
		l.MaxListings += listingSlots * ExtraListingsPerSlot
	}
	l.MaxImagesTotal += imageSlots * ExtraImagesPerSlot
	return l
}

// Seed is the reference data written by the migrate command.
func Seed() []Limitation {
	return []Limitation{
		{Tier: FreeUser, MaxListings: 3, MaxImagesTotal: 20, MaxImagesPerListing: 5, MonthlyPrice: decimal.Zero},
		{Tier: BasicUser, MaxListings: 5, MaxImagesTotal: 30, MaxImagesPerListing: 8, CanFeature: true, MaxFeatured: 1, MonthlyPrice: decimal.NewFromInt(390)},
		{Tier: PremiumUser, MaxListings: 15, MaxImagesTotal: 100, MaxImagesPerListing: 15, CanFeature: true, MaxFeatured: 5, MonthlyPrice: decimal.NewFromInt(990)},
		{Tier: AgencyBasic, MaxListings: 50, MaxImagesTotal: 500, MaxImagesPerListing: 25, CanFeature: true, MaxFeatured: 15, MonthlyPrice: decimal.NewFromInt(2490)},
		{Tier: AgencyPremium, MaxListings: 200, MaxImagesTotal: 2000, MaxImagesPerListing: 50, CanFeature: true, MaxFeatured: 50, MonthlyPrice: decimal.NewFromInt(4990)},
		{Tier: FreeInvestor, MaxListings: 5, MaxImagesTotal: 50, MaxImagesPerListing: 10, CanFeature: true, MaxFeatured: 3, MonthlyPrice: decimal.Zero},
		{Tier: BasicInvestor, MaxListings: 20, MaxImagesTotal: 200, MaxImagesPerListing: 15, CanFeature: true, MaxFeatured: 10, MonthlyPrice: decimal.NewFromInt(1990)},
		{Tier: PremiumInvestor, MaxListings: 50, MaxImagesTotal: 500, MaxImagesPerListing: 20, CanFeature: true, MaxFeatured: 25, MonthlyPrice: decimal.NewFromInt(3990)},
		{Tier: Admin, MaxListings: Unlimited, MaxImagesTotal: 50000, MaxImagesPerListing: 100, CanFeature: true, MaxFeatured: 1000, MonthlyPrice: decimal.Zero},
	}
}

// Usage is an owner's consumption against its tier.
type Usage struct {
	Owner               credit.Owner `json:"owner"`
	Tier                string       `json:"tier"`
	Listings            int64        `json:"listings"`
	Images              int64        `json:"images"`
	Featured            int64        `json:"featured"`
	MaxListings         int          `json:"max_listings"`
	MaxImagesTotal      int          `json:"max_images_total"`
	MaxImagesPerListing int          `json:"max_images_per_listing"`
	MaxFeatured         int          `json:"max_featured"`
	ListingsPercent     float64      `json:"listings_percent"`
	ImagesPercent       float64      `json:"images_percent"`
	CanCreateListing    bool         `json:"can_create_listing"`
	CanUploadImage      bool         `json:"can_upload_image"`
	CanFeatureMore      bool         `json:"can_feature_more"`
}

func percent(used int64, max int) float64 {
	if max <= 0 {
		return 0
	}
	p := float64(used) * 100 / float64(max)
	if p > 100 {
		return 100
	}
	return p
}

func Models() []any {
	return []any{&Limitation{}}
}
