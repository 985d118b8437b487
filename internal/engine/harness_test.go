package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"ledger-api/internal/models"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/money"
)

type harness struct {
	ctx        context.Context
	store      *memoryStore
	users      *fakeUserRepository
	txns       *fakeGameTransactionRepository
	orders     *fakePaymentOrderRepository
	referrals  *fakeReferralRepository
	settings   *fakeSettingsRepository
	outbox     *fakeOutboxRepository
	updater    AggregateUpdater
	seamless   SeamlessEngine
	settlement SettlementEngine
	reconciler ReconciliationEngine
}

func newHarness(t *testing.T, live bool) *harness {
	t.Helper()
	logrus.SetLevel(logrus.ErrorLevel)

	store := newMemoryStore()
	h := &harness{
		ctx:       context.Background(),
		store:     store,
		users:     &fakeUserRepository{s: store},
		txns:      &fakeGameTransactionRepository{s: store},
		orders:    &fakePaymentOrderRepository{s: store},
		referrals: &fakeReferralRepository{s: store},
		settings:  &fakeSettingsRepository{s: store},
		outbox:    &fakeOutboxRepository{s: store},
	}

	metrics := monitoring.NewPrometheusMetrics(prometheus.NewRegistry())
	h.updater = NewAggregateUpdater(h.users, h.referrals, h.settings, store)
	followUp := SyncFollowUp(h.updater)
	h.seamless = NewSeamlessEngine(h.users, h.txns, store, live, followUp, metrics)
	h.settlement = NewSettlementEngine(h.users, h.orders, h.outbox, h.settings, store, followUp, metrics)
	h.reconciler = NewReconciliationEngine(h.users, h.orders, h.txns, h.updater)
	return h
}

func reais(f float64) money.Amount {
	return money.FromFloat(f)
}

func (h *harness) depositOrder(userID primitive.ObjectID, amount money.Amount, gatewayID string) *models.PaymentOrder {
	order := models.NewDepositOrder(userID, amount, 30*time.Minute)
	order.IDTransaction = gatewayID
	return h.store.addOrder(order)
}

// withdrawOrder mirrors what the payment service commits: the debit and the
// pending order together.
func (h *harness) withdrawOrder(t *testing.T, userID primitive.ObjectID, amount money.Amount, gatewayID string) *models.PaymentOrder {
	t.Helper()
	if _, err := h.users.AdjustBalance(h.ctx, userID, models.BalanceAdjustment{Balance: -amount, RequireWithdrawable: true}); err != nil {
		t.Fatalf("debit for withdrawal: %v", err)
	}
	order := models.NewWithdrawOrder(userID, amount, "user@example.com", "email")
	order.IDTransaction = gatewayID
	return h.store.addOrder(order)
}

func (h *harness) pay(gatewayID string, status models.OrderStatus) (*SettlementResult, error) {
	return h.settlement.ApplyStatus(h.ctx, &StatusChange{
		GatewayID: gatewayID,
		Status:    status,
		Source:    models.SourceWebhook,
	})
}
