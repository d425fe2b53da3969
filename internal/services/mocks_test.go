package services

import (
	"context"
	"time"

	"github.com/stagepass/treasury/internal/config"
	"github.com/stagepass/treasury/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockFulfiller struct {
	mock.Mock
}

func (m *MockFulfiller) Fulfill(ctx context.Context, purchase *models.Purchase) error {
	args := m.Called(ctx, purchase)
	return args.Error(0)
}

type MockSplitApplier struct {
	mock.Mock
}

func (m *MockSplitApplier) Apply(ctx context.Context, purchase *models.Purchase) ([]string, error) {
	args := m.Called(ctx, purchase)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(eventType string, payload any) {
	m.Called(eventType, payload)
}

type MockPayoutRail struct {
	mock.Mock
}

func (m *MockPayoutRail) Dispatch(ctx context.Context, payout *models.Payout) error {
	args := m.Called(ctx, payout)
	return args.Error(0)
}

type MockChargeLookup struct {
	mock.Mock
}

func (m *MockChargeLookup) GetCharge(ctx context.Context, chargeID string) (*GatewayCharge, error) {
	args := m.Called(ctx, chargeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayCharge), args.Error(1)
}

func testConfig() *config.TreasuryConfig {
	return &config.TreasuryConfig{
		ReserveAccountID:    "acct_platform_reserve",
		PayerFundsAccountID: "acct_payer_funds",
		MinPayoutAmount:     2500,
		PayoutInterval:      15 * time.Minute,
		ReconcileInterval:   5 * time.Minute,
		WebhookSecret:       "whsec_test",
		WebhookTimeout:      5 * time.Second,
		PlatformBIC:         "STAGEPAS",
	}
}
