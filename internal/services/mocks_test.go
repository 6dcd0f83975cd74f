package services

import (
	"context"

	"github.com/permastore/backend/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockChargeProvider struct {
	mock.Mock
}

func (m *MockChargeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Charge), args.Error(1)
}

func (m *MockChargeProvider) GetCharge(ctx context.Context, chargeID string) (*ChargeStatus, error) {
	args := m.Called(ctx, chargeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ChargeStatus), args.Error(1)
}

type MockPayoutEnqueuer struct {
	mock.Mock
}

func (m *MockPayoutEnqueuer) EnqueueSellerPayout(ctx context.Context, settlement *models.Settlement, listing *models.Listing) error {
	args := m.Called(ctx, settlement, listing)
	return args.Error(0)
}

func confirmedChargeStatus(chargeID string) *ChargeStatus {
	return &ChargeStatus{
		ChargeID:      chargeID,
		CurrentStatus: "COMPLETED",
		Timeline: []ChargeTimelineEvent{
			{Status: "NEW"},
			{Status: "PENDING"},
			{Status: "COMPLETED"},
		},
	}
}

func pendingChargeStatus(chargeID string) *ChargeStatus {
	return &ChargeStatus{
		ChargeID:      chargeID,
		CurrentStatus: "PENDING",
		Timeline: []ChargeTimelineEvent{
			{Status: "NEW"},
			{Status: "PENDING"},
		},
	}
}
