package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ledger-api/internal/money"
)

const RewardSettingsID = "rewards"

// RewardSettings holds the bonus, VIP and referral chest configuration.
// Percentages are plain numbers (20 means 20%).
type RewardSettings struct {
	ID                  string        `bson:"_id" json:"-"`
	FirstDepositPercent float64       `bson:"first_deposit_percent" json:"first_deposit_percent"`
	DepositTiers        []DepositTier `bson:"deposit_tiers" json:"deposit_tiers"`
	VIPTiers            []VIPTier     `bson:"vip_tiers" json:"vip_tiers"`
	ChestTiers          []ChestTier   `bson:"chest_tiers" json:"chest_tiers"`
	ReferralMinDeposits money.Amount  `bson:"referral_min_deposits" json:"referral_min_deposits"`
	ReferralMinBets     money.Amount  `bson:"referral_min_bets" json:"referral_min_bets"`
	UpdatedAt           time.Time     `bson:"updated_at" json:"updated_at"`
}

type DepositTier struct {
	MinAmount money.Amount `bson:"min_amount" json:"min_amount"`
	Percent   float64      `bson:"percent" json:"percent"`
}

type VIPTier struct {
	Level       int          `bson:"level" json:"level"`
	MinDeposits money.Amount `bson:"min_deposits" json:"min_deposits"`
	MinBets     money.Amount `bson:"min_bets" json:"min_bets"`
}

type ChestTier struct {
	Tier              int `bson:"tier" json:"tier"`
	RequiredReferrals int `bson:"required_referrals" json:"required_referrals"`
}

func DefaultRewardSettings() *RewardSettings {
	return &RewardSettings{
		ID:                  RewardSettingsID,
		FirstDepositPercent: 20,
		DepositTiers: []DepositTier{
			{MinAmount: money.FromFloat(200), Percent: 5},
			{MinAmount: money.FromFloat(500), Percent: 10},
			{MinAmount: money.FromFloat(1000), Percent: 15},
		},
		VIPTiers: []VIPTier{
			{Level: 1, MinDeposits: money.FromFloat(50), MinBets: money.FromFloat(500)},
			{Level: 2, MinDeposits: money.FromFloat(200), MinBets: money.FromFloat(2000)},
			{Level: 3, MinDeposits: money.FromFloat(500), MinBets: money.FromFloat(5000)},
			{Level: 4, MinDeposits: money.FromFloat(1000), MinBets: money.FromFloat(10000)},
			{Level: 5, MinDeposits: money.FromFloat(2500), MinBets: money.FromFloat(25000)},
			{Level: 6, MinDeposits: money.FromFloat(5000), MinBets: money.FromFloat(50000)},
			{Level: 7, MinDeposits: money.FromFloat(10000), MinBets: money.FromFloat(100000)},
			{Level: 8, MinDeposits: money.FromFloat(25000), MinBets: money.FromFloat(250000)},
		},
		ChestTiers: []ChestTier{
			{Tier: 1, RequiredReferrals: 1},
			{Tier: 2, RequiredReferrals: 3},
			{Tier: 3, RequiredReferrals: 5},
			{Tier: 4, RequiredReferrals: 10},
			{Tier: 5, RequiredReferrals: 20},
		},
		ReferralMinDeposits: money.FromFloat(10),
		ReferralMinBets:     money.FromFloat(100),
	}
}

// DepositBonus computes the bonus for a paid deposit. A first deposit uses
// the flat percentage; later deposits use the highest tier whose threshold is
// at or below the amount.
func (s *RewardSettings) DepositBonus(amount money.Amount, firstDeposit bool) money.Amount {
	if firstDeposit {
		return amount.Percent(decimal.NewFromFloat(s.FirstDepositPercent))
	}

	var best *DepositTier
	for i := range s.DepositTiers {
		tier := &s.DepositTiers[i]
		if tier.MinAmount > amount {
			continue
		}
		if best == nil || tier.MinAmount > best.MinAmount {
			best = tier
		}
	}
	if best == nil {
		return 0
	}
	return amount.Percent(decimal.NewFromFloat(best.Percent))
}

// VIPLevelFor returns the highest level whose deposit and bet thresholds are
// both met.
func (s *RewardSettings) VIPLevelFor(deposits, bets money.Amount) int {
	level := 0
	for _, tier := range s.VIPTiers {
		if deposits >= tier.MinDeposits && bets >= tier.MinBets && tier.Level > level {
			level = tier.Level
		}
	}
	return level
}

// ChestTiersFor lists every tier unlocked at the given referral count, in
// ascending order.
func (s *RewardSettings) ChestTiersFor(referrals int) []int {
	tiers := []int{}
	for _, tier := range s.ChestTiers {
		if referrals >= tier.RequiredReferrals {
			tiers = append(tiers, tier.Tier)
		}
	}
	sort.Ints(tiers)
	return tiers
}

func (s *RewardSettings) ReferralQualifies(u *UserAccount) bool {
	return u.TotalDeposits >= s.ReferralMinDeposits && u.TotalBets >= s.ReferralMinBets
}

func (s *RewardSettings) Validate() error {
	if s.FirstDepositPercent < 0 || s.FirstDepositPercent > 1000 {
		return fmt.Errorf("first deposit percent out of range: %v", s.FirstDepositPercent)
	}
	for _, tier := range s.DepositTiers {
		if tier.MinAmount < 0 || tier.Percent < 0 {
			return fmt.Errorf("invalid deposit tier %+v", tier)
		}
	}
	for _, tier := range s.VIPTiers {
		if tier.Level < 1 || tier.Level > MaxVIPLevel {
			return fmt.Errorf("vip tier level %d out of range", tier.Level)
		}
	}
	for _, tier := range s.ChestTiers {
		if tier.RequiredReferrals < 1 {
			return fmt.Errorf("chest tier %d must require at least one referral", tier.Tier)
		}
	}
	return nil
}
