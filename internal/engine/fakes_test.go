package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/models"
	"ledger-api/internal/money"
	"ledger-api/internal/repository"
	apperrors "ledger-api/pkg/errors"
)

// memoryStore is an in-memory stand-in for the MongoDB collections. Its
// WithTransaction snapshots every collection and restores the snapshot when
// fn fails, so tests observe the same all-or-nothing writes as a replica set.
type memoryStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	users     map[primitive.ObjectID]*models.UserAccount
	txns      map[string]*models.GameTransaction
	orders    map[primitive.ObjectID]*models.PaymentOrder
	referrals map[primitive.ObjectID]*models.Referral
	outbox    []*models.OutboxEvent
	rewards   *models.RewardSettings

	// insertErr fails the next game transaction insert.
	insertErr error
	// staleRead rewrites the next order read, simulating a read that lost a
	// race with a concurrent writer.
	staleRead func(order *models.PaymentOrder)

	commits   int
	rollbacks int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:     make(map[primitive.ObjectID]*models.UserAccount),
		txns:      make(map[string]*models.GameTransaction),
		orders:    make(map[primitive.ObjectID]*models.PaymentOrder),
		referrals: make(map[primitive.ObjectID]*models.Referral),
		rewards:   models.DefaultRewardSettings(),
	}
}

type storeSnapshot struct {
	users     map[primitive.ObjectID]*models.UserAccount
	txns      map[string]*models.GameTransaction
	orders    map[primitive.ObjectID]*models.PaymentOrder
	referrals map[primitive.ObjectID]*models.Referral
	outbox    []*models.OutboxEvent
}

func (s *memoryStore) snapshot() storeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := storeSnapshot{
		users:     make(map[primitive.ObjectID]*models.UserAccount, len(s.users)),
		txns:      make(map[string]*models.GameTransaction, len(s.txns)),
		orders:    make(map[primitive.ObjectID]*models.PaymentOrder, len(s.orders)),
		referrals: make(map[primitive.ObjectID]*models.Referral, len(s.referrals)),
		outbox:    make([]*models.OutboxEvent, len(s.outbox)),
	}
	for id, u := range s.users {
		snap.users[id] = cloneUser(u)
	}
	for id, t := range s.txns {
		c := *t
		snap.txns[id] = &c
	}
	for id, o := range s.orders {
		snap.orders[id] = cloneOrder(o)
	}
	for id, r := range s.referrals {
		c := *r
		snap.referrals[id] = &c
	}
	copy(snap.outbox, s.outbox)
	return snap
}

func (s *memoryStore) restore(snap storeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = snap.users
	s.txns = snap.txns
	s.orders = snap.orders
	s.referrals = snap.referrals
	s.outbox = snap.outbox
}

func (s *memoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snap)
		s.rollbacks++
		return err
	}
	s.commits++
	return nil
}

func cloneUser(u *models.UserAccount) *models.UserAccount {
	c := *u
	c.UnlockedChestTiers = append([]int{}, u.UnlockedChestTiers...)
	return &c
}

func cloneOrder(o *models.PaymentOrder) *models.PaymentOrder {
	c := *o
	c.StatusHistory = append([]models.StatusChange{}, o.StatusHistory...)
	return &c
}

// Test helpers

func (s *memoryStore) addUser(code string, balance, bonus money.Amount) *models.UserAccount {
	u := models.NewUserAccount(code)
	u.ID = primitive.NewObjectID()
	u.Balance = balance
	u.BonusBalance = bonus

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(u)
	return u
}

func (s *memoryStore) user(id primitive.ObjectID) *models.UserAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneUser(s.users[id])
}

func (s *memoryStore) order(id primitive.ObjectID) *models.PaymentOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneOrder(s.orders[id])
}

func (s *memoryStore) addOrder(o *models.PaymentOrder) *models.PaymentOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID.IsZero() {
		o.ID = primitive.NewObjectID()
	}
	s.orders[o.ID] = cloneOrder(o)
	return o
}

func (s *memoryStore) txnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}

func (s *memoryStore) outboxTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.outbox))
	for _, e := range s.outbox {
		types = append(types, e.Type)
	}
	return types
}

// fakeUserRepository

type fakeUserRepository struct{ s *memoryStore }

var _ repository.UserRepository = (*fakeUserRepository)(nil)

func (r *fakeUserRepository) Create(ctx context.Context, user *models.UserAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	r.s.users[user.ID] = cloneUser(user)
	return nil
}

func (r *fakeUserRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperrors.ErrInvalidUser
	}
	return cloneUser(u), nil
}

func (r *fakeUserRepository) GetByCode(ctx context.Context, userCode string) (*models.UserAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.UserCode == userCode {
			return cloneUser(u), nil
		}
	}
	return nil, apperrors.ErrInvalidUser
}

func (r *fakeUserRepository) AdjustBalance(ctx context.Context, id primitive.ObjectID, adj models.BalanceAdjustment) (*models.UserAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperrors.ErrInvalidUser
	}
	next := cloneUser(u)
	if !adj.Apply(next) {
		return nil, apperrors.ErrInsufficientFunds.WithDetails("debit of %s not covered", adj.Balance.Abs())
	}
	r.s.users[id] = next
	return cloneUser(next), nil
}

func (r *fakeUserRepository) SetVIPLevelIfHigher(ctx context.Context, id primitive.ObjectID, level int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok || u.VIPLevel >= level {
		return false, nil
	}
	u.VIPLevel = level
	return true, nil
}

func (r *fakeUserRepository) ClaimFirstDeposit(ctx context.Context, id, orderID primitive.ObjectID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return false, nil
	}
	if u.FirstDepositOrderID != nil && *u.FirstDepositOrderID != orderID {
		return false, nil
	}
	claimed := orderID
	u.FirstDepositOrderID = &claimed
	return true, nil
}

func (r *fakeUserRepository) IncrementQualifiedReferrals(ctx context.Context, id primitive.ObjectID) (*models.UserAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperrors.ErrInvalidUser
	}
	u.QualifiedReferrals++
	return cloneUser(u), nil
}

func (r *fakeUserRepository) UnlockChestTiers(ctx context.Context, id primitive.ObjectID, tiers []int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil
	}
	for _, tier := range tiers {
		if !u.HasChestTier(tier) {
			u.UnlockedChestTiers = append(u.UnlockedChestTiers, tier)
		}
	}
	return nil
}

func (r *fakeUserRepository) RaiseTotals(ctx context.Context, id primitive.ObjectID, deposits, withdrawals, bets money.Amount) (*models.UserAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperrors.ErrInvalidUser
	}
	u.TotalDeposits = money.Max(u.TotalDeposits, deposits)
	u.TotalWithdrawals = money.Max(u.TotalWithdrawals, withdrawals)
	u.TotalBets = money.Max(u.TotalBets, bets)
	return cloneUser(u), nil
}

func (r *fakeUserRepository) ListActiveIDs(ctx context.Context, after primitive.ObjectID, limit int) ([]primitive.ObjectID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []primitive.ObjectID
	for id, u := range r.s.users {
		if u.Active && id.Hex() > after.Hex() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Hex() < ids[j].Hex() })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *fakeUserRepository) CreateIndexes(ctx context.Context) error { return nil }

// fakeGameTransactionRepository

type fakeGameTransactionRepository struct{ s *memoryStore }

var _ repository.GameTransactionRepository = (*fakeGameTransactionRepository)(nil)

func (r *fakeGameTransactionRepository) GetByTxnID(ctx context.Context, txnID string) (*models.GameTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txns[txnID]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

func (r *fakeGameTransactionRepository) Insert(ctx context.Context, entry *models.GameTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.insertErr; err != nil {
		r.s.insertErr = nil
		return err
	}
	if _, exists := r.s.txns[entry.TxnID]; exists {
		return fmt.Errorf("txn %s: %w", entry.TxnID, apperrors.ErrDuplicate)
	}
	entry.ID = primitive.NewObjectID()
	c := *entry
	r.s.txns[entry.TxnID] = &c
	return nil
}

func (r *fakeGameTransactionRepository) SumLiveBets(ctx context.Context, userID primitive.ObjectID) (money.Amount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total money.Amount
	for _, t := range r.s.txns {
		if t.UserID == userID && t.Live && t.Delta < 0 {
			total -= t.Delta
		}
	}
	return total, nil
}

func (r *fakeGameTransactionRepository) CreateIndexes(ctx context.Context) error { return nil }

// fakePaymentOrderRepository

type fakePaymentOrderRepository struct{ s *memoryStore }

var _ repository.PaymentOrderRepository = (*fakePaymentOrderRepository)(nil)

func (r *fakePaymentOrderRepository) Create(ctx context.Context, order *models.PaymentOrder) error {
	if err := order.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidParameter, err)
	}
	r.s.addOrder(order)
	return nil
}

func (r *fakePaymentOrderRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.PaymentOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return r.read(o), nil
}

func (r *fakePaymentOrderRepository) GetByGatewayID(ctx context.Context, gatewayID string) (*models.PaymentOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.orders {
		if o.IDTransaction == gatewayID {
			return r.read(o), nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

func (r *fakePaymentOrderRepository) GetByExternalID(ctx context.Context, externalID string) (*models.PaymentOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.orders {
		if o.ExternalID == externalID {
			return r.read(o), nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

func (r *fakePaymentOrderRepository) ListStrandedWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*models.PaymentOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.PaymentOrder
	for _, o := range r.s.orders {
		if o.Type == models.OrderTypeWithdraw && o.Status == models.OrderStatusPending && o.IDTransaction == "" &&
			o.FlaggedAt == nil && !o.CreatedAt.After(createdBefore) {
			out = append(out, cloneOrder(o))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakePaymentOrderRepository) Flag(ctx context.Context, id primitive.ObjectID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	now := time.Now()
	o.FlaggedAt = &now
	o.FlagReason = reason
	return nil
}

func (r *fakePaymentOrderRepository) read(o *models.PaymentOrder) *models.PaymentOrder {
	c := cloneOrder(o)
	if hook := r.s.staleRead; hook != nil {
		r.s.staleRead = nil
		hook(c)
	}
	return c
}

func (r *fakePaymentOrderRepository) AttachGatewayID(ctx context.Context, id primitive.ObjectID, gatewayID, qrCode string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	o.IDTransaction = gatewayID
	o.QRCode = qrCode
	return nil
}

func (r *fakePaymentOrderRepository) Transition(ctx context.Context, id primitive.ObjectID, from, to models.OrderStatus, upd models.OrderUpdate) (*models.PaymentOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok || o.Status != from {
		return nil, repository.ErrStatusChanged
	}

	o.Status = to
	o.UpdatedAt = time.Now()
	if upd.Fee != nil {
		o.Fee = *upd.Fee
	}
	if upd.NetAmount != nil {
		o.NetAmount = *upd.NetAmount
	}
	if upd.Bonus != nil {
		o.BonusAmount = *upd.Bonus
	}
	if upd.First != nil {
		o.FirstDeposit = *upd.First
	}
	if upd.PaidAt != nil {
		o.PaidAt = upd.PaidAt
	}
	if upd.FailedAt != nil {
		o.FailedAt = upd.FailedAt
	}
	o.StatusHistory = append(o.StatusHistory, upd.Change)
	return cloneOrder(o), nil
}

func (r *fakePaymentOrderRepository) CountPaidDeposits(ctx context.Context, userID, excludeID primitive.ObjectID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, o := range r.s.orders {
		if id != excludeID && o.UserID == userID && o.Type == models.OrderTypeDeposit && o.Status == models.OrderStatusPaid {
			n++
		}
	}
	return n, nil
}

func (r *fakePaymentOrderRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.PaymentOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.PaymentOrder
	for _, o := range r.s.orders {
		if o.Type == models.OrderTypeDeposit && o.Status == models.OrderStatusPending && o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
			out = append(out, cloneOrder(o))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakePaymentOrderRepository) SumPaid(ctx context.Context, userID primitive.ObjectID, orderType models.OrderType) (money.Amount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total money.Amount
	for _, o := range r.s.orders {
		if o.UserID != userID || o.Type != orderType || o.Status != models.OrderStatusPaid {
			continue
		}
		if orderType == models.OrderTypeWithdraw {
			total += o.NetAmount
		} else {
			total += o.Amount
		}
	}
	return total, nil
}

func (r *fakePaymentOrderRepository) CreateIndexes(ctx context.Context) error { return nil }

// fakeReferralRepository

type fakeReferralRepository struct{ s *memoryStore }

var _ repository.ReferralRepository = (*fakeReferralRepository)(nil)

func (r *fakeReferralRepository) Create(ctx context.Context, referral *models.Referral) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.referrals {
		if existing.ReferredID == referral.ReferredID {
			return fmt.Errorf("referral for %s: %w", referral.ReferredID.Hex(), apperrors.ErrDuplicate)
		}
	}
	if referral.ID.IsZero() {
		referral.ID = primitive.NewObjectID()
	}
	if referral.Status == "" {
		referral.Status = models.ReferralStatusPending
	}
	c := *referral
	r.s.referrals[referral.ID] = &c
	return nil
}

func (r *fakeReferralRepository) GetPendingByReferred(ctx context.Context, referredID primitive.ObjectID) (*models.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ref := range r.s.referrals {
		if ref.ReferredID == referredID && ref.Status == models.ReferralStatusPending {
			c := *ref
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeReferralRepository) Qualify(ctx context.Context, id primitive.ObjectID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ref, ok := r.s.referrals[id]
	if !ok || ref.Status != models.ReferralStatusPending {
		return false, nil
	}
	now := time.Now()
	ref.Status = models.ReferralStatusQualified
	ref.QualifiedAt = &now
	return true, nil
}

func (r *fakeReferralRepository) CreateIndexes(ctx context.Context) error { return nil }

// fakeSettingsRepository

type fakeSettingsRepository struct{ s *memoryStore }

func (r *fakeSettingsRepository) GetRewards(ctx context.Context) (*models.RewardSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *r.s.rewards
	return &c, nil
}

func (r *fakeSettingsRepository) SaveRewards(ctx context.Context, settings *models.RewardSettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *settings
	r.s.rewards = &c
	return nil
}

// fakeOutboxRepository

type fakeOutboxRepository struct{ s *memoryStore }

var _ repository.OutboxRepository = (*fakeOutboxRepository)(nil)

func (r *fakeOutboxRepository) Insert(ctx context.Context, event *models.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *event
	r.s.outbox = append(r.s.outbox, &c)
	return nil
}

func (r *fakeOutboxRepository) ListPending(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.OutboxEvent
	for _, e := range r.s.outbox {
		if e.Status == models.OutboxStatusPending && len(out) < limit {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeOutboxRepository) MarkPublished(ctx context.Context, id string) error {
	return r.update(id, func(e *models.OutboxEvent) {
		now := time.Now()
		e.Status = models.OutboxStatusPublished
		e.PublishedAt = &now
	})
}

func (r *fakeOutboxRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.update(id, func(e *models.OutboxEvent) {
		e.Attempts++
		e.LastError = reason
	})
}

func (r *fakeOutboxRepository) CountPending(ctx context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.s.outbox {
		if e.Status == models.OutboxStatusPending {
			n++
		}
	}
	return n, nil
}

func (r *fakeOutboxRepository) update(id string, fn func(e *models.OutboxEvent)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.outbox {
		if e.ID == id {
			fn(e)
			return nil
		}
	}
	return errors.New("outbox event not found")
}

func (r *fakeOutboxRepository) CreateIndexes(ctx context.Context) error { return nil }
