package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/money"
)

const MaxVIPLevel = 8

// UserAccount is the balance aggregate of one end user. It is only mutated
// through the settlement engines.
type UserAccount struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserCode string             `bson:"user_code" json:"user_code"`

	Balance      money.Amount `bson:"balance" json:"balance"`
	BonusBalance money.Amount `bson:"bonus_balance" json:"bonus_balance"`

	TotalDeposits    money.Amount `bson:"total_deposits" json:"total_deposits"`
	TotalWithdrawals money.Amount `bson:"total_withdrawals" json:"total_withdrawals"`
	TotalBets        money.Amount `bson:"total_bets" json:"total_bets"`

	VIPLevel           int   `bson:"vip_level" json:"vip_level"`
	QualifiedReferrals int   `bson:"qualified_referrals" json:"qualified_referrals"`
	UnlockedChestTiers []int `bson:"unlocked_chest_tiers" json:"unlocked_chest_tiers"`

	// FirstDepositOrderID is claimed once, by the deposit that earned the
	// first-deposit bonus.
	FirstDepositOrderID *primitive.ObjectID `bson:"first_deposit_order_id,omitempty" json:"first_deposit_order_id,omitempty"`

	Active    bool      `bson:"active" json:"active"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// BalanceAdjustment describes one atomic change to a UserAccount. Balance and
// Bonus are signed deltas; the totals are non-negative increments.
type BalanceAdjustment struct {
	Balance     money.Amount
	Bonus       money.Amount
	Deposits    money.Amount
	Withdrawals money.Amount
	Bets        money.Amount

	// RequireWithdrawable checks a debit against balance minus bonus balance
	// instead of the full balance.
	RequireWithdrawable bool
}

// Apply runs the adjustment against an in-memory copy, mirroring the
// conditional update the repository sends to MongoDB. It reports false when
// the debit is not covered.
func (a BalanceAdjustment) Apply(u *UserAccount) bool {
	available := u.Balance
	if a.RequireWithdrawable {
		available = u.Withdrawable()
	}
	if a.Balance < 0 && available+a.Balance < 0 {
		return false
	}

	u.Balance += a.Balance
	u.BonusBalance = money.Max(0, money.Min(u.BonusBalance+a.Bonus, u.Balance))
	u.TotalDeposits += a.Deposits
	u.TotalWithdrawals += a.Withdrawals
	u.TotalBets += a.Bets
	u.UpdatedAt = time.Now()
	return true
}

func NewUserAccount(userCode string) *UserAccount {
	now := time.Now()
	return &UserAccount{
		UserCode:           userCode,
		Active:             true,
		UnlockedChestTiers: []int{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Withdrawable is the cash portion of the balance.
func (u *UserAccount) Withdrawable() money.Amount {
	return money.Max(0, u.Balance-u.BonusBalance)
}

// ReportedBalance is the balance shown to game providers, never negative.
func (u *UserAccount) ReportedBalance() money.Amount {
	return money.Max(0, u.Balance)
}

func (u *UserAccount) HasChestTier(tier int) bool {
	for _, t := range u.UnlockedChestTiers {
		if t == tier {
			return true
		}
	}
	return false
}

func (u *UserAccount) Validate() error {
	if u.UserCode == "" {
		return fmt.Errorf("user code is required")
	}
	if u.Balance < 0 {
		return fmt.Errorf("balance cannot be negative: %s", u.Balance)
	}
	if u.BonusBalance < 0 || u.BonusBalance > u.Balance {
		return fmt.Errorf("bonus balance %s out of range for balance %s", u.BonusBalance, u.Balance)
	}
	if u.VIPLevel < 0 || u.VIPLevel > MaxVIPLevel {
		return fmt.Errorf("vip level %d out of range", u.VIPLevel)
	}
	return nil
}
