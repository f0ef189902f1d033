package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"estate-credits/pkg/db/option"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/logger"
	"estate-credits/pkg/repository"
	"estate-credits/services/credit"
	"estate-credits/services/entitlement"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service answers the ledger's questions about users, agencies and listings
// and stores the feature windows entitlements switch on.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	owners   repository.Repository[Owner]
	members  repository.Repository[AgencyMember]
	listings repository.Repository[Listing]
	windows  repository.Repository[FeatureWindow]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		owners:   repository.ProvideStore[Owner](p.DB),
		members:  repository.ProvideStore[AgencyMember](p.DB),
		listings: repository.ProvideStore[Listing](p.DB),
		windows:  repository.ProvideStore[FeatureWindow](p.DB),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var active = option.ApplyOperator(option.Condition{Field: "active", Operator: option.EQ, Value: true})

func (s *Service) findOwner(ctx context.Context, owner credit.Owner) (*Owner, error) {
	return s.owners.FindOne(ctx, &Owner{ID: owner.ID, Type: owner.Type}, active)
}

func (s *Service) OwnerExists(ctx context.Context, owner credit.Owner) (bool, error) {
	o, err := s.findOwner(ctx, owner)
	if err != nil {
		logger.FromContext(ctx).Error("failed to look up owner", zap.String("owner", owner.String()), zap.Error(err))
		return false, err
	}
	return o != nil, nil
}

// ActiveAgents lists the active members of an agency in join order.
func (s *Service) ActiveAgents(ctx context.Context, agencyID string) ([]string, error) {
	rows, err := s.members.Find(ctx, &AgencyMember{AgencyID: agencyID}, active,
		option.WithSortBy(option.QuerySortBy{SortBy: "joined_at", Allow: map[string]bool{"joined_at": true}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

// ListAgencyIDs returns every active agency.
func (s *Service) ListAgencyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.owners.Find(ctx, &Owner{Type: credit.OwnerAgency}, active,
		option.WithSortBy(option.QuerySortBy{SortBy: "id", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, o := range rows {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *Service) CurrentTier(ctx context.Context, owner credit.Owner) (string, error) {
	o, err := s.findOwner(ctx, owner)
	if err != nil {
		return "", err
	}
	if o == nil {
		return "", errutil.NotFound(fmt.Sprintf("owner %s not found", owner), credit.ErrOwnerNotFound)
	}
	return o.EffectiveTier(s.now()), nil
}

func (s *Service) CountActiveListings(ctx context.Context, owner credit.Owner) (int64, error) {
	return s.listings.Count(ctx, &Listing{OwnerType: owner.Type, OwnerID: owner.ID}, active)
}

func (s *Service) CountImages(ctx context.Context, owner credit.Owner) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Listing{}).
		Where("owner_type = ? AND owner_id = ? AND active = ?", owner.Type, owner.ID, true).
		Select("COALESCE(SUM(image_count), 0)").
		Scan(&total).Error
	return total, err
}

// CountFeaturedListings counts active listings with a running featured window.
func (s *Service) CountFeaturedListings(ctx context.Context, owner credit.Owner) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Listing{}).
		Joins("JOIN feature_windows fw ON fw.target_type = ? AND fw.target_id = listings.id", string(entitlement.TargetListing)).
		Where("listings.owner_type = ? AND listings.owner_id = ? AND listings.active = ?", owner.Type, owner.ID, true).
		Where("fw.feature IN ? AND fw.until > ?", entitlement.FeaturedListingFeatures(), s.now()).
		Distinct("listings.id").
		Count(&n).Error
	return n, err
}

func (s *Service) OwnerWindowActive(ctx context.Context, owner credit.Owner, feature string) (bool, error) {
	return s.WindowActive(ctx, entitlement.Target{Type: entitlement.TargetOwner, ID: owner.String()}, feature)
}

func (s *Service) WindowActive(ctx context.Context, target entitlement.Target, feature string) (bool, error) {
	w, err := s.windows.FindOne(ctx, &FeatureWindow{TargetType: string(target.Type), TargetID: target.ID, Feature: feature})
	if err != nil {
		return false, err
	}
	return w != nil && w.Until.After(s.now()), nil
}

// ActiveWindows lists the running windows of a target.
func (s *Service) ActiveWindows(ctx context.Context, target entitlement.Target) ([]*FeatureWindow, error) {
	return s.windows.Find(ctx, &FeatureWindow{TargetType: string(target.Type), TargetID: target.ID},
		option.ApplyOperator(option.Condition{Field: "until", Operator: option.GT, Value: s.now()}),
		option.WithSortBy(option.QuerySortBy{SortBy: "feature", Allow: map[string]bool{"feature": true}}),
	)
}

// ActivateWindow upserts the window of feature on target. A running window is
// never shortened.
func (s *Service) ActivateWindow(ctx context.Context, target entitlement.Target, feature string, until time.Time, reference string) error {
	exists, err := s.targetExists(ctx, target)
	if err != nil {
		return err
	}
	if !exists {
		return entitlement.TargetNotFound(target)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.windows.WithTrx(tx).FindOne(ctx, &FeatureWindow{
			TargetType: string(target.Type),
			TargetID:   target.ID,
			Feature:    feature,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		if current == nil {
			return s.windows.WithTrx(tx).Create(ctx, &FeatureWindow{
				ID:         s.node.Generate(),
				TargetType: string(target.Type),
				TargetID:   target.ID,
				Feature:    feature,
				Until:      until,
				Reference:  reference,
				UpdatedAt:  s.now(),
			})
		}

		if current.Until.After(until) {
			until = current.Until
		}
		return s.windows.WithTrx(tx).Update(ctx, current.ID, map[string]any{
			"until":      until,
			"reference":  reference,
			"updated_at": s.now(),
		})
	})
}

func (s *Service) targetExists(ctx context.Context, target entitlement.Target) (bool, error) {
	switch target.Type {
	case entitlement.TargetListing:
		l, err := s.listings.FindOne(ctx, &Listing{ID: target.ID}, active)
		return l != nil, err
	case entitlement.TargetProfile:
		return s.OwnerExists(ctx, credit.User(target.ID))
	case entitlement.TargetAgency:
		return s.OwnerExists(ctx, credit.Agency(target.ID))
	case entitlement.TargetOwner:
		owner, err := parseOwner(target.ID)
		if err != nil {
			return false, nil
		}
		return s.OwnerExists(ctx, owner)
	default:
		return false, nil
	}
}

func parseOwner(s string) (credit.Owner, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return credit.Owner{}, fmt.Errorf("malformed owner %q", s)
	}
	t, err := credit.ParseOwnerType(typ)
	if err != nil {
		return credit.Owner{}, err
	}
	return credit.Owner{Type: t, ID: id}, nil
}

// AssignTier moves owner to tier. A zero until makes the change permanent;
// otherwise the previous tier returns once until passes.
func (s *Service) AssignTier(ctx context.Context, owner credit.Owner, tier string, until time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := s.owners.WithTrx(tx).FindOne(ctx, &Owner{ID: owner.ID, Type: owner.Type}, active, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if o == nil {
			return entitlement.TargetNotFound(entitlement.Target{Type: entitlement.TargetTier, ID: owner.String()})
		}

		now := s.now()
		updates := map[string]any{"tier": tier, "updated_at": now}
		if until.IsZero() {
			updates["base_tier"] = tier
			updates["tier_until"] = nil
		} else {
			if o.TierUntil == nil || !o.TierUntil.After(now) {
				updates["base_tier"] = o.EffectiveTier(now)
			}
			if o.TierUntil != nil && o.TierUntil.After(until) && o.Tier == tier {
				until = *o.TierUntil
			}
			updates["tier_until"] = until
		}

		res := tx.WithContext(ctx).Model(&Owner{}).
			Where("id = ? AND type = ?", owner.ID, owner.Type).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		logger.FromContext(ctx).Info("owner tier changed",
			zap.String("owner", owner.String()), zap.String("tier", tier), zap.Time("until", until))
		return nil
	})
}

// SetTier is a permanent tier change.
func (s *Service) SetTier(ctx context.Context, owner credit.Owner, tier string) error {
	return s.AssignTier(ctx, owner, tier, time.Time{})
}

// UpsertOwner registers or updates a directory owner.
func (s *Service) UpsertOwner(ctx context.Context, o *Owner) error {
	if !o.Ref().Valid() {
		return errutil.BadRequest(fmt.Sprintf("invalid owner %s:%s", o.Type, o.ID), nil)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "active", "updated_at"}),
	}).Create(o).Error
}

// AddMember attaches a user to an agency, reactivating a previous membership.
func (s *Service) AddMember(ctx context.Context, agencyID, userID string, joinedAt time.Time) error {
	for _, owner := range []credit.Owner{credit.Agency(agencyID), credit.User(userID)} {
		ok, err := s.OwnerExists(ctx, owner)
		if err != nil {
			return err
		}
		if !ok {
			return errutil.NotFound(fmt.Sprintf("owner %s not found", owner), credit.ErrOwnerNotFound)
		}
	}

	m := &AgencyMember{
		ID:       s.node.Generate(),
		AgencyID: agencyID,
		UserID:   userID,
		Active:   true,
		JoinedAt: joinedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agency_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"active"}),
	}).Create(m).Error
}

func (s *Service) RemoveMember(ctx context.Context, agencyID, userID string) error {
	return s.db.WithContext(ctx).Model(&AgencyMember{}).
		Where("agency_id = ? AND user_id = ?", agencyID, userID).
		Update("active", false).Error
}

func (s *Service) UpsertListing(ctx context.Context, l *Listing) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"image_count", "active"}),
	}).Create(l).Error
}
