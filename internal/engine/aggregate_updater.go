package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/models"
	"ledger-api/internal/repository"
)

// AggregateUpdater recomputes the values derived from a user's totals:
// referral qualification (and the referrer's chests) and VIP level. Refresh is
// idempotent and only ever moves these values forward.
type AggregateUpdater interface {
	Refresh(ctx context.Context, userID primitive.ObjectID) error
}

type aggregateUpdater struct {
	users     repository.UserRepository
	referrals repository.ReferralRepository
	settings  repository.SettingsRepository
	tx        Transactor
}

func NewAggregateUpdater(
	users repository.UserRepository,
	referrals repository.ReferralRepository,
	settings repository.SettingsRepository,
	tx Transactor,
) AggregateUpdater {
	return &aggregateUpdater{
		users:     users,
		referrals: referrals,
		settings:  settings,
		tx:        tx,
	}
}

func (u *aggregateUpdater) Refresh(ctx context.Context, userID primitive.ObjectID) error {
	user, err := u.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	settings, err := u.settings.GetRewards(ctx)
	if err != nil {
		return fmt.Errorf("failed to load reward settings: %w", err)
	}

	if err := u.refreshReferral(ctx, user, settings); err != nil {
		return fmt.Errorf("referral refresh: %w", err)
	}
	if err := u.refreshVIP(ctx, user, settings); err != nil {
		return fmt.Errorf("vip refresh: %w", err)
	}
	return nil
}

func (u *aggregateUpdater) refreshReferral(ctx context.Context, user *models.UserAccount, settings *models.RewardSettings) error {
	referral, err := u.referrals.GetPendingByReferred(ctx, user.ID)
	if err != nil {
		return err
	}
	if referral == nil || !settings.ReferralQualifies(user) {
		return nil
	}

	var referrer *models.UserAccount
	qualified := false
	err = u.tx.WithTransaction(ctx, func(ctx context.Context) error {
		won, err := u.referrals.Qualify(ctx, referral.ID)
		if err != nil || !won {
			qualified = false
			return err
		}
		qualified = true

		referrer, err = u.users.IncrementQualifiedReferrals(ctx, referral.ReferrerID)
		if err != nil {
			return err
		}

		var unlock []int
		for _, tier := range settings.ChestTiersFor(referrer.QualifiedReferrals) {
			if !referrer.HasChestTier(tier) {
				unlock = append(unlock, tier)
			}
		}
		if len(unlock) == 0 {
			return nil
		}
		return u.users.UnlockChestTiers(ctx, referrer.ID, unlock)
	})
	if err != nil {
		return err
	}

	if qualified {
		logrus.WithFields(logrus.Fields{
			"referred_id":         user.ID.Hex(),
			"referrer_id":         referral.ReferrerID.Hex(),
			"qualified_referrals": referrer.QualifiedReferrals,
		}).Info("Referral qualified")
	}
	return nil
}

func (u *aggregateUpdater) refreshVIP(ctx context.Context, user *models.UserAccount, settings *models.RewardSettings) error {
	level := settings.VIPLevelFor(user.TotalDeposits, user.TotalBets)
	if level <= user.VIPLevel {
		return nil
	}

	raised, err := u.users.SetVIPLevelIfHigher(ctx, user.ID, level)
	if err != nil {
		return err
	}
	if raised {
		logrus.WithFields(logrus.Fields{
			"user_id": user.ID.Hex(),
			"from":    user.VIPLevel,
			"to":      level,
		}).Info("VIP level raised")
	}
	return nil
}
