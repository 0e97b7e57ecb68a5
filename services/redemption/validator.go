package redemption

import (
	"context"
	"fmt"

	"rewards-core/pkg/errutil"
)

// DefaultMinimumPoints applies when REDEMPTION.MINIMUM_POINTS is unset.
const DefaultMinimumPoints int64 = 100

// BalanceReader is the part of the points ledger the validator needs.
type BalanceReader interface {
	GetAvailablePoints(ctx context.Context, userID string) (int64, error)
}

// ValidateRedemption checks a prospective redemption without writing anything.
// Rules run in order: minimum amount, option availability, balance.
func (s *Service) ValidateRedemption(ctx context.Context, userID, optionID string, points int64) error {
	if userID == "" || optionID == "" {
		return errutil.BadRequest("user_id and option_id are required", nil)
	}

	if points < s.minimum {
		return errutil.ValidationFailed(
			fmt.Sprintf("redemption of %d points is below minimum of %d", points, s.minimum), nil,
			errutil.WithDetails(errutil.Detail{Field: "points", Message: fmt.Sprintf("must be at least %d", s.minimum)}),
		)
	}

	option, err := s.options.FindOne(ctx, &RedemptionOption{ID: optionID})
	if err != nil {
		return errutil.CacheFailure("failed to read redemption option", err)
	}
	if !option.Available(s.now()) {
		return errutil.ValidationFailed(
			fmt.Sprintf("redemption option %s is unavailable", optionID), nil,
			errutil.WithDetails(errutil.Detail{Field: "option_id", Message: "option is inactive, expired or unknown"}),
		)
	}

	available, err := s.balance.GetAvailablePoints(ctx, userID)
	if err != nil {
		return err
	}
	if available < points {
		return &InsufficientPointsError{Required: points, Available: available}
	}
	return nil
}
