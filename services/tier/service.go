package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estate-credits/pkg/errutil"
	"estate-credits/pkg/logger"
	"estate-credits/pkg/repository"
	"estate-credits/services/credit"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUnknownTier = errors.New("tier: unknown tier")

// UsageReader exposes what an owner currently consumes.
type UsageReader interface {
	// CurrentTier returns "" when the owner has no tier assigned.
	CurrentTier(ctx context.Context, owner credit.Owner) (string, error)
	CountActiveListings(ctx context.Context, owner credit.Owner) (int64, error)
	CountImages(ctx context.Context, owner credit.Owner) (int64, error)
	CountFeaturedListings(ctx context.Context, owner credit.Owner) (int64, error)
	OwnerWindowActive(ctx context.Context, owner credit.Owner, feature string) (bool, error)
}

type Service struct {
	db     *gorm.DB
	limits repository.Repository[Limitation]
	usage  UsageReader
	cache  *Cache
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Usage UsageReader
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:     p.DB,
		limits: repository.ProvideStore[Limitation](p.DB),
		usage:  p.Usage,
	}
	s.cache = NewCache(10*time.Minute, s.loadLimitation)
	return s
}

func (s *Service) loadLimitation(ctx context.Context, tier string) (Limitation, error) {
	l, err := s.limits.FindOne(ctx, &Limitation{Tier: tier})
	if err != nil {
		return Limitation{}, err
	}
	if l == nil {
		return Limitation{}, errutil.NotFound(fmt.Sprintf("no limitation for tier %s", tier), ErrUnknownTier)
	}
	return *l, nil
}

func (s *Service) Limitation(ctx context.Context, tier string) (Limitation, error) {
	return s.cache.Get(ctx, tier)
}

func (s *Service) Limitations(ctx context.Context) ([]*Limitation, error) {
	return s.limits.Find(ctx, nil)
}

// Effective resolves the owner's tier and its limits including active extra
// slot windows.
func (s *Service) Effective(ctx context.Context, owner credit.Owner) (string, Limitation, error) {
	name, err := s.usage.CurrentTier(ctx, owner)
	if err != nil {
		return "", Limitation{}, err
	}
	if name == "" {
		name = DefaultFor(owner.Type)
	}

	l, err := s.Limitation(ctx, name)
	if err != nil {
		return "", Limitation{}, err
	}

	var listingSlots, imageSlots int
	if ok, err := s.usage.OwnerWindowActive(ctx, owner, FeatureExtraListingSlot); err != nil {
		return "", Limitation{}, err
	} else if ok {
		listingSlots = 1
	}
	if ok, err := s.usage.OwnerWindowActive(ctx, owner, FeatureExtraImageSlots); err != nil {
		return "", Limitation{}, err
	} else if ok {
		imageSlots = 1
	}

	return name, l.WithExtras(listingSlots, imageSlots), nil
}

func (s *Service) CanCreateListing(ctx context.Context, owner credit.Owner) (bool, error) {
	_, l, err := s.Effective(ctx, owner)
	if err != nil {
		return false, err
	}
	current, err := s.usage.CountActiveListings(ctx, owner)
	if err != nil {
		return false, err
	}
	return l.CanCreateListing(current), nil
}

func (s *Service) CanUploadImages(ctx context.Context, owner credit.Owner, n int) (bool, error) {
	if n <= 0 {
		return false, errutil.BadRequest(fmt.Sprintf("image count must be > 0, got %d", n), nil)
	}
	_, l, err := s.Effective(ctx, owner)
	if err != nil {
		return false, err
	}
	current, err := s.usage.CountImages(ctx, owner)
	if err != nil {
		return false, err
	}
	return l.CanUploadImages(current, n), nil
}

func (s *Service) UsageStats(ctx context.Context, owner credit.Owner) (*Usage, error) {
	name, l, err := s.Effective(ctx, owner)
	if err != nil {
		return nil, err
	}

	listings, err := s.usage.CountActiveListings(ctx, owner)
	if err != nil {
		return nil, err
	}
	images, err := s.usage.CountImages(ctx, owner)
	if err != nil {
		return nil, err
	}
	featured, err := s.usage.CountFeaturedListings(ctx, owner)
	if err != nil {
		return nil, err
	}

	return &Usage{
		Owner:               owner,
		Tier:                name,
		Listings:            listings,
		Images:              images,
		Featured:            featured,
		MaxListings:         l.MaxListings,
		MaxImagesTotal:      l.MaxImagesTotal,
		MaxImagesPerListing: l.MaxImagesPerListing,
		MaxFeatured:         l.MaxFeatured,
		ListingsPercent:     percent(listings, l.MaxListings),
		ImagesPercent:       percent(images, l.MaxImagesTotal),
		CanCreateListing:    l.CanCreateListing(listings),
		CanUploadImage:      l.CanUploadImages(images, 1),
		CanFeatureMore:      l.CanFeatureMore(featured),
	}, nil
}

// Seed upserts the reference rows and drops cached copies.
func (s *Service) Seed(ctx context.Context) error {
	rows := Seed()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tier"}},
		UpdateAll: true,
	}).Create(&rows).Error
	if err != nil {
		logger.FromContext(ctx).Error("failed to seed tier limitations", zap.Error(err))
		return err
	}

	s.cache.Purge()
	logger.FromContext(ctx).Info("tier limitations seeded", zap.Int("tiers", len(rows)))
	return nil
}
