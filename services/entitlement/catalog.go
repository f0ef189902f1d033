package entitlement

import (
	"time"

	"estate-credits/services/tier"
)

type TargetType string

const (
	TargetListing TargetType = "listing"
	// TargetProfile is the public profile of a user owner.
	TargetProfile TargetType = "profile"
	TargetAgency  TargetType = "agency"
	// TargetOwner windows belong to the paying owner itself, keyed by Owner.String().
	TargetOwner TargetType = "owner"
	TargetTier  TargetType = "tier"
)

type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Window is one time-bounded feature a definition switches on.
type Window struct {
	Target   TargetType
	Feature  string
	Duration time.Duration
}

// Definition is a static, priced catalog entry.
type Definition struct {
	Code     string
	Name     string
	Cost     int64
	Duration time.Duration
	Target   TargetType
	Windows  []Window
	// Tier is assigned for Duration by TIER_UPGRADE_* entries.
	Tier string
	// Eligibility is a CEL expression over owner_type, owner_id and balance.
	Eligibility string
	// Flag gates entries that are not launched yet.
	Flag string
	// MaxTargets > 0 lets one purchase cover several listings.
	MaxTargets int
}

func (d Definition) Bundle() bool {
	return len(d.Windows) > 1
}

// needsListing reports whether the request must name a listing.
func (d Definition) needsListing() bool {
	for _, w := range d.Windows {
		if w.Target == TargetListing {
			return true
		}
	}
	return false
}

const day = 24 * time.Hour

const (
	featureTop             = "top_positioning"
	featureUrgent          = "urgent_badge"
	featureHighlighted     = "highlighted"
	featureCategory        = "category_featured"
	featureVerified        = "verified_badge"
	featurePremiumBadge    = "premium_badge"
	featureAgencyFeatured  = "agency_featured"
	featureAgencyShowcase  = "agency_showcase"
	featureAgencyBadge     = "premium_agency_badge"
	featurePrioritySupport = "priority_support"
	featureSocialMedia     = "social_media_promotion"
	featureNewsletter      = "newsletter_feature"
	featureMobilePush      = "mobile_push"
	featureCrossPromotion  = "cross_promotion"
	featurePremiumSupport  = "premium_support"
	featureMultipleBoost   = "multiple_listing_boost"
)

const (
	eligibleAgency = `owner_type == "agency"`
	eligibleUser   = `owner_type == "user"`

	maxMultipleListingBoost = 5
)

func listing(feature string, d time.Duration) Window {
	return Window{Target: TargetListing, Feature: feature, Duration: d}
}

func single(code, name string, cost int64, target TargetType, feature string, d time.Duration) Definition {
	return Definition{
		Code:     code,
		Name:     name,
		Cost:     cost,
		Duration: d,
		Target:   target,
		Windows:  []Window{{Target: target, Feature: feature, Duration: d}},
	}
}

var silverWindows = []Window{
	listing(featureTop, 7*day),
	listing(featureUrgent, 14*day),
	listing(featureHighlighted, 30*day),
	listing(featureCategory, 15*day),
}

var definitions = func() []Definition {
	defs := []Definition{
		single("TOP_POSITIONING", "Top positioning", 600, TargetListing, featureTop, 7*day),
		single("URGENT_BADGE", "Urgent badge", 360, TargetListing, featureUrgent, 14*day),
		single("HIGHLIGHTED_LISTING", "Highlighted listing", 480, TargetListing, featureHighlighted, 30*day),
		single("CATEGORY_FEATURE", "Featured in category", 750, TargetListing, featureCategory, 15*day),
		single("VERIFIED_BADGE", "Verified badge", 1200, TargetProfile, featureVerified, 30*day),
		single("PREMIUM_PROFILE_BADGE", "Premium profile badge", 900, TargetProfile, featurePremiumBadge, 30*day),
		single("AGENCY_FEATURED_PROFILE", "Featured agency profile", 1500, TargetAgency, featureAgencyFeatured, 15*day),
		single("AGENCY_SHOWCASE", "Agency showcase", 2000, TargetAgency, featureAgencyShowcase, 30*day),
		single("PREMIUM_AGENCY_BADGE", "Premium agency badge", 1200, TargetAgency, featureAgencyBadge, 30*day),
		single("AGENCY_PRIORITY_SUPPORT", "Agency priority support", 800, TargetAgency, featurePrioritySupport, 30*day),
		single("SOCIAL_MEDIA_PROMOTION", "Social media promotion", 800, TargetListing, featureSocialMedia, 7*day),
		single("NEWSLETTER_FEATURE", "Newsletter feature", 1000, TargetListing, featureNewsletter, 7*day),
		single("MOBILE_PUSH", "Mobile push notification", 450, TargetListing, featureMobilePush, day),
		single("CROSS_PROMOTION", "Cross promotion", 600, TargetListing, featureCrossPromotion, 7*day),
		{
			Code:    "BRONZE_PACKAGE",
			Name:    "Bronze boost package",
			Cost:    860,
			Target:  TargetListing,
			Windows: []Window{listing(featureTop, 7*day), listing(featureUrgent, 14*day)},
		},
		{
			Code:    "SILVER_PACKAGE",
			Name:    "Silver boost package",
			Cost:    1700,
			Target:  TargetListing,
			Windows: silverWindows,
		},
		{
			Code:   "GOLD_PACKAGE",
			Name:   "Gold boost package",
			Cost:   3000,
			Target: TargetListing,
			Windows: append(append([]Window{}, silverWindows...),
				Window{Target: TargetProfile, Feature: featureVerified, Duration: 30 * day},
				Window{Target: TargetProfile, Feature: featurePremiumBadge, Duration: 30 * day},
			),
			Eligibility: eligibleUser,
		},
		{
			Code:       "MULTIPLE_LISTING_BOOST",
			Name:       "Multiple listing boost",
			Cost:       1500,
			Duration:   7 * day,
			Target:     TargetListing,
			Windows:    []Window{listing(featureMultipleBoost, 7*day)},
			MaxTargets: maxMultipleListingBoost,
		},
		single("EXTRA_LISTING_SLOT", "Extra listing slot", 700, TargetOwner, tier.FeatureExtraListingSlot, 30*day),
		single("EXTRA_IMAGE_SLOTS", "Extra image slots", 300, TargetOwner, tier.FeatureExtraImageSlots, 30*day),
		single("PREMIUM_SUPPORT", "Premium support", 250, TargetOwner, featurePremiumSupport, 7*day),
		{Code: "TIER_UPGRADE_BASIC_USER", Name: "Basic user tier", Cost: 390, Duration: 30 * day, Target: TargetTier, Tier: tier.BasicUser, Eligibility: eligibleUser},
		{Code: "TIER_UPGRADE_PREMIUM_USER", Name: "Premium user tier", Cost: 990, Duration: 30 * day, Target: TargetTier, Tier: tier.PremiumUser, Eligibility: eligibleUser},
		{Code: "TIER_UPGRADE_AGENCY_BASIC", Name: "Agency basic tier", Cost: 2490, Duration: 30 * day, Target: TargetTier, Tier: tier.AgencyBasic, Eligibility: eligibleAgency},
		{Code: "TIER_UPGRADE_AGENCY_PREMIUM", Name: "Agency premium tier", Cost: 4990, Duration: 30 * day, Target: TargetTier, Tier: tier.AgencyPremium, Eligibility: eligibleAgency},
	}

	for i := range defs {
		switch defs[i].Target {
		case TargetProfile:
			defs[i].Eligibility = eligibleUser
		case TargetAgency:
			defs[i].Eligibility = eligibleAgency
		}
		switch defs[i].Code {
		case "SOCIAL_MEDIA_PROMOTION", "NEWSLETTER_FEATURE", "MOBILE_PUSH", "CROSS_PROMOTION":
			defs[i].Flag = defs[i].Windows[0].Feature
		}
	}
	return defs
}()

var byCode = func() map[string]Definition {
	m := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		m[d.Code] = d
	}
	return m
}()

func Lookup(code string) (Definition, bool) {
	d, ok := byCode[code]
	return d, ok
}

// Catalog lists every definition in display order.
func Catalog() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// FeaturedListingFeatures are the listing windows that count against a
// tier's featured quota.
func FeaturedListingFeatures() []string {
	return []string{featureTop, featureCategory}
}
