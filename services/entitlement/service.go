package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"estate-credits/pkg/celengine"
	"estate-credits/pkg/config"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/featureflags"
	"estate-credits/pkg/logger"
	"estate-credits/services/credit"

	"github.com/bwmarrin/snowflake"
	"github.com/google/cel-go/cel"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// WindowActivator switches a feature on for a target until the given time.
type WindowActivator interface {
	ActivateWindow(ctx context.Context, target Target, feature string, until time.Time, reference string) error
}

// TierAssigner moves an owner to a tier until the given time.
type TierAssigner interface {
	AssignTier(ctx context.Context, owner credit.Owner, tier string, until time.Time) error
}

// Ledger is the part of the credit service the activator spends through.
type Ledger interface {
	GetBalance(ctx context.Context, owner credit.Owner) (int64, error)
	HasSufficientCredits(ctx context.Context, owner credit.Owner, amount int64) (bool, error)
	Withdraw(ctx context.Context, owner credit.Owner, amount int64, memo credit.Memo, kind credit.Kind) (*credit.Transaction, error)
	RefundTransaction(ctx context.Context, owner credit.Owner, id snowflake.ID, reason string) (*credit.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, owner credit.Owner, key string) (*credit.Transaction, error)
}

type Service struct {
	ledger         Ledger
	windows        WindowActivator
	tiers          TierAssigner
	flags          featureflags.FeatureFlag
	rules          *celengine.Engine
	autoCompensate bool
	now            func() time.Time
}

type ServiceParams struct {
	fx.In
	Ledger  Ledger
	Windows WindowActivator
	Tiers   TierAssigner
	Flags   featureflags.FeatureFlag
	Config  *config.Config `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	rules, err := celengine.New(
		celengine.Variable{Name: "owner_type", Type: cel.StringType},
		celengine.Variable{Name: "owner_id", Type: cel.StringType},
		celengine.Variable{Name: "balance", Type: cel.IntType},
	)
	if err != nil {
		return nil, err
	}
	for _, d := range definitions {
		if d.Eligibility == "" {
			continue
		}
		if err := rules.Validate(d.Eligibility); err != nil {
			return nil, fmt.Errorf("entitlement %s: %w", d.Code, err)
		}
	}

	s := &Service{
		ledger:  p.Ledger,
		windows: p.Windows,
		tiers:   p.Tiers,
		flags:   p.Flags,
		rules:   rules,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if p.Config != nil {
		s.autoCompensate = p.Config.Entitlement.AutoCompensate
	}
	if s.flags == nil {
		s.flags = featureflags.NewStatic(nil)
	}
	return s, nil
}

type ApplyRequest struct {
	Code   string
	Owner  credit.Owner
	Target string
	// Targets is used by entries that cover several listings.
	Targets        []string
	IdempotencyKey string
}

type AppliedWindow struct {
	Target  Target    `json:"target"`
	Feature string    `json:"feature"`
	Until   time.Time `json:"until"`
}

type Activation struct {
	Code        string              `json:"code"`
	Owner       credit.Owner        `json:"owner"`
	Cost        int64               `json:"cost"`
	Balance     int64               `json:"balance"`
	Windows     []AppliedWindow     `json:"windows,omitempty"`
	Tier        string              `json:"tier,omitempty"`
	TierUntil   *time.Time          `json:"tier_until,omitempty"`
	Transaction *credit.Transaction `json:"transaction"`
	// Replayed marks an activation returned from an earlier request with the
	// same idempotency key. No credits moved and no hooks ran.
	Replayed bool `json:"replayed,omitempty"`
}

// activationRecord is stored in the debit's metadata so a replay can return
// the original windows.
type activationRecord struct {
	Entitlement string          `json:"entitlement"`
	Targets     []string        `json:"targets,omitempty"`
	Windows     []AppliedWindow `json:"windows,omitempty"`
	Tier        string          `json:"tier,omitempty"`
	TierUntil   *time.Time      `json:"tier_until,omitempty"`
}

type plannedWindow struct {
	target   Target
	feature  string
	duration time.Duration
}

// ApplyEntitlement charges the owner for code and then switches on its
// windows. Window hooks run only after the debit committed.
func (s *Service) ApplyEntitlement(ctx context.Context, req ApplyRequest) (*Activation, error) {
	log := logger.FromContext(ctx).With(zap.String("code", req.Code), zap.String("owner", req.Owner.String()))

	def, ok := Lookup(req.Code)
	if !ok {
		return nil, unknownEntitlement(req.Code)
	}

	plan, err := planWindows(def, req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prior, err := s.ledger.FindByIdempotencyKey(ctx, req.Owner, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return s.replay(log, def, req, prior)
		}
	}

	balance, err := s.ledger.GetBalance(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if err := s.checkAvailable(ctx, def, req.Owner, balance); err != nil {
		return nil, err
	}

	ok, err = s.ledger.HasSufficientCredits(ctx, req.Owner, def.Cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.UnprocessableEntity(
			fmt.Sprintf("insufficient credits: %s costs %d, available %d", def.Code, def.Cost, balance),
			credit.ErrInsufficientCredits,
		)
	}

	now := s.now()
	record := activationRecord{Entitlement: def.Code, Targets: targetIDs(plan)}
	for _, w := range plan {
		record.Windows = append(record.Windows, AppliedWindow{Target: w.target, Feature: w.feature, Until: now.Add(w.duration)})
	}
	if def.Tier != "" {
		until := now.Add(def.Duration)
		record.Tier, record.TierUntil = def.Tier, &until
	}

	txn, err := s.ledger.Withdraw(ctx, req.Owner, def.Cost, credit.Memo{
		Description:    describe(def, plan),
		TargetID:       primaryTarget(req, plan),
		Reference:      def.Code,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       record.metadata(),
	}, credit.KindUsage)
	if err != nil {
		return nil, err
	}
	if txn.Replayed {
		// a concurrent request with the same key won the debit
		return s.replay(log, def, req, txn)
	}

	act := &Activation{
		Code:        def.Code,
		Owner:       req.Owner,
		Cost:        def.Cost,
		Balance:     txn.BalanceAfter,
		Transaction: txn,
	}

	for _, w := range record.Windows {
		if err := s.windows.ActivateWindow(ctx, w.Target, w.Feature, w.Until, txn.ID.String()); err != nil {
			return act, s.activationFailed(ctx, log, req.Owner, txn, err)
		}
		act.Windows = append(act.Windows, w)
	}

	if record.Tier != "" {
		if err := s.tiers.AssignTier(ctx, req.Owner, record.Tier, *record.TierUntil); err != nil {
			return act, s.activationFailed(ctx, log, req.Owner, txn, err)
		}
		act.Tier, act.TierUntil = record.Tier, record.TierUntil
	}

	log.Info("entitlement applied",
		zap.String("transaction_id", txn.ID.String()), zap.Int("windows", len(act.Windows)))
	return act, nil
}

// replay rebuilds the activation recorded with txn. The key must have been
// used for the same entitlement at the same cost.
func (s *Service) replay(log *zap.Logger, def Definition, req ApplyRequest, txn *credit.Transaction) (*Activation, error) {
	if txn.Status != credit.StatusCompleted || txn.Delta != -def.Cost || txn.Reference != def.Code {
		return nil, errutil.Conflict(fmt.Sprintf("idempotency key %q already used", req.IdempotencyKey), credit.ErrIdempotencyConflict)
	}

	var record activationRecord
	if len(txn.Metadata) > 0 {
		if err := json.Unmarshal(txn.Metadata, &record); err != nil {
			return nil, errutil.Internal("failed to read recorded activation", err)
		}
	}

	log.Info("entitlement replayed", zap.String("transaction_id", txn.ID.String()))
	return &Activation{
		Code:        def.Code,
		Owner:       req.Owner,
		Cost:        def.Cost,
		Balance:     txn.BalanceAfter,
		Windows:     record.Windows,
		Tier:        record.Tier,
		TierUntil:   record.TierUntil,
		Transaction: txn,
		Replayed:    true,
	}, nil
}

// activationFailed leaves the charge in place unless auto compensation is on.
func (s *Service) activationFailed(ctx context.Context, log *zap.Logger, owner credit.Owner, txn *credit.Transaction, cause error) error {
	if !errors.Is(cause, ErrTargetNotFound) {
		var be errutil.BaseError
		if !errors.As(cause, &be) {
			cause = errutil.Internal("failed to apply entitlement", cause)
		}
	}
	aerr := &ActivationError{Transaction: txn, Err: cause}

	if s.autoCompensate {
		refund, err := s.ledger.RefundTransaction(ctx, owner, txn.ID, "automatic refund: entitlement not applied")
		if err != nil {
			log.Error("compensation failed, owner charged but not applied",
				zap.String("transaction_id", txn.ID.String()), zap.Error(err))
			return aerr
		}
		aerr.Compensation = refund
		log.Warn("entitlement not applied, charge refunded",
			zap.String("transaction_id", txn.ID.String()), zap.String("refund_id", refund.ID.String()), zap.Error(cause))
		return aerr
	}

	log.Error("entitlement charged but not applied",
		zap.String("transaction_id", txn.ID.String()), zap.Error(cause))
	return aerr
}

// Refund is the explicit compensation for a charged-but-not-applied activation.
func (s *Service) Refund(ctx context.Context, owner credit.Owner, txnID snowflake.ID, reason string) (*credit.Transaction, error) {
	return s.ledger.RefundTransaction(ctx, owner, txnID, reason)
}

func (s *Service) checkAvailable(ctx context.Context, def Definition, owner credit.Owner, balance int64) error {
	if def.Flag != "" {
		on, err := s.flags.IsEnabled(ctx, def.Flag)
		if err != nil {
			logger.FromContext(ctx).Warn("feature flag lookup failed", zap.String("flag", def.Flag), zap.Error(err))
		}
		if !on {
			return unavailable(def.Code, "coming soon")
		}
	}

	eligible, err := s.eligible(def, owner, balance)
	if err != nil {
		return err
	}
	if !eligible {
		return unavailable(def.Code, fmt.Sprintf("not offered to %s owners", owner.Type))
	}
	return nil
}

func (s *Service) eligible(def Definition, owner credit.Owner, balance int64) (bool, error) {
	if def.Eligibility == "" {
		return true, nil
	}
	ok, err := s.rules.Evaluate(def.Eligibility, map[string]any{
		"owner_type": string(owner.Type),
		"owner_id":   owner.ID,
		"balance":    balance,
	})
	if err != nil {
		return false, errutil.Internal(fmt.Sprintf("eligibility of %s", def.Code), err)
	}
	return ok, nil
}

// Offer is a catalog entry as seen by one owner.
type Offer struct {
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	Cost         int64      `json:"cost"`
	DurationDays int        `json:"duration_days,omitempty"`
	Target       TargetType `json:"target"`
	Bundle       bool       `json:"bundle"`
	Affordable   bool       `json:"affordable"`
	ComingSoon   bool       `json:"coming_soon"`
}

// AvailableEntitlements lists the entries offered to owner. Entries behind a
// disabled flag are listed as coming soon.
func (s *Service) AvailableEntitlements(ctx context.Context, owner credit.Owner) ([]Offer, error) {
	balance, err := s.ledger.GetBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := make([]Offer, 0, len(definitions))
	for _, def := range definitions {
		ok, err := s.eligible(def, owner, balance)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		offer := Offer{
			Code:         def.Code,
			Name:         def.Name,
			Cost:         def.Cost,
			DurationDays: int(def.Duration / day),
			Target:       def.Target,
			Bundle:       def.Bundle(),
			Affordable:   balance >= def.Cost,
		}
		if def.Flag != "" {
			on, err := s.flags.IsEnabled(ctx, def.Flag)
			if err != nil {
				logger.FromContext(ctx).Warn("feature flag lookup failed", zap.String("flag", def.Flag), zap.Error(err))
			}
			offer.ComingSoon = !on
			offer.Affordable = offer.Affordable && on
		}
		out = append(out, offer)
	}
	return out, nil
}

// planWindows resolves every window of def to a concrete target.
func planWindows(def Definition, req ApplyRequest) ([]plannedWindow, error) {
	var listings []string
	if def.needsListing() {
		switch {
		case def.MaxTargets > 0:
			listings = uniqueNonEmpty(append([]string{req.Target}, req.Targets...))
			if len(listings) == 0 || len(listings) > def.MaxTargets {
				return nil, errutil.BadRequest(fmt.Sprintf("%s needs 1 to %d listings, got %d", def.Code, def.MaxTargets, len(listings)), nil)
			}
		case req.Target == "":
			return nil, errutil.BadRequest(fmt.Sprintf("%s needs a listing id", def.Code), nil)
		default:
			listings = []string{req.Target}
		}
	}

	var plan []plannedWindow
	for _, w := range def.Windows {
		switch w.Target {
		case TargetListing:
			for _, id := range listings {
				plan = append(plan, plannedWindow{target: Target{Type: TargetListing, ID: id}, feature: w.Feature, duration: w.Duration})
			}
		case TargetProfile, TargetAgency:
			plan = append(plan, plannedWindow{target: Target{Type: w.Target, ID: req.Owner.ID}, feature: w.Feature, duration: w.Duration})
		case TargetOwner:
			plan = append(plan, plannedWindow{target: Target{Type: TargetOwner, ID: req.Owner.String()}, feature: w.Feature, duration: w.Duration})
		}
	}
	return plan, nil
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func targetIDs(plan []plannedWindow) []string {
	seen := make(map[Target]bool, len(plan))
	var out []string
	for _, w := range plan {
		if seen[w.target] {
			continue
		}
		seen[w.target] = true
		out = append(out, string(w.target.Type)+":"+w.target.ID)
	}
	return out
}

func (r activationRecord) metadata() map[string]any {
	m := map[string]any{"entitlement": r.Entitlement, "targets": r.Targets}
	if len(r.Windows) > 0 {
		m["windows"] = r.Windows
	}
	if r.Tier != "" {
		m["tier"] = r.Tier
		m["tier_until"] = r.TierUntil
	}
	return m
}

func primaryTarget(req ApplyRequest, plan []plannedWindow) string {
	if req.Target != "" {
		return req.Target
	}
	if len(plan) > 0 {
		return plan[0].target.ID
	}
	return req.Owner.String()
}

func describe(def Definition, plan []plannedWindow) string {
	if len(plan) == 0 {
		return def.Name
	}
	return fmt.Sprintf("%s for %s %s", def.Name, plan[0].target.Type, plan[0].target.ID)
}
