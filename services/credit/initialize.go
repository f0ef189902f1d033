package credit

import (
	"context"
)

// InitializeOwner grants the welcome bonus, plus trial credits for agencies.
// Calling it again is a no-op.
func (s *Service) InitializeOwner(ctx context.Context, owner Owner) (int64, error) {
	if s.welcomeBonus > 0 {
		if _, err := s.Credit(ctx, owner, s.welcomeBonus, Memo{
			Description:    "Welcome bonus",
			IdempotencyKey: "welcome:" + owner.String(),
		}, KindBonus); err != nil {
			return 0, err
		}
	}

	if owner.Type == OwnerAgency && s.agencyTrial > 0 {
		if _, err := s.Credit(ctx, owner, s.agencyTrial, Memo{
			Description:    "Agency trial credits",
			IdempotencyKey: "trial:" + owner.String(),
		}, KindBonus); err != nil {
			return 0, err
		}
	}

	return s.GetBalance(ctx, owner)
}
