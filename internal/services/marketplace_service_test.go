package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/permastore/backend/internal/audit"
	"github.com/permastore/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newMarketplaceForTest(t *testing.T) (*MarketplaceService, sqlmock.Sqlmock, *MockChargeProvider, *MockPayoutEnqueuer, func()) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)

	provider := &MockChargeProvider{}
	payouts := &MockPayoutEnqueuer{}
	journal := NewJournalService(db)
	ledger := NewCreditLedgerService(db, journal, audit.NewLogger())
	service := NewMarketplaceService(db, ledger, journal, provider, payouts, audit.NewLogger())
	return service, dbMock, provider, payouts, func() { db.Close() }
}

func listingRows(id, sellerID string, remainingGB float64, pricePerGB, status string) *sqlmock.Rows {
	total := decimal.RequireFromString(pricePerGB).Mul(decimal.NewFromFloat(remainingGB))
	return sqlmock.NewRows([]string{
		"id", "seller_user_id", "seller_wallet", "payout_address", "remaining_gb",
		"price_per_gb", "total_price", "status", "views", "created_at", "updated_at",
	}).AddRow(id, sellerID, "seller-wallet", "payout-addr", remainingGB,
		pricePerGB, total.String(), status, 0, time.Now(), time.Now())
}

func settlementRows(id, listingID, buyerID string, amountGB float64, status string, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "listing_id", "buyer_user_id", "buyer_wallet", "amount_gb", "total_price",
		"platform_fee", "seller_payment", "platform_charge_id", "seller_charge_id",
		"status", "expires_at", "created_at", "updated_at",
	}).AddRow(id, listingID, buyerID, "buyer-wallet", amountGB, "8.00",
		"0.80", "7.20", "charge-plat", "charge-sell", status, expiresAt, time.Now(), time.Now())
}

func TestMarketplaceService_CreateListing(t *testing.T) {
	service, dbMock, _, _, cleanup := newMarketplaceForTest(t)
	defer cleanup()

	t.Run("escrows credits and persists listing in one transaction", func(t *testing.T) {
		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, total_mb, used_mb, available_mb").
			WithArgs("seller1", "wallet1").
			WillReturnRows(balanceRows("bal1", 10240, 0, 10240, 1))
		dbMock.ExpectExec("UPDATE credit_balances").
			WithArgs(int64(5120), int64(0), int64(5120), sqlmock.AnyArg(), "bal1", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("INSERT INTO p2p_listings").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectCommit()

		listing, err := service.CreateListing("seller1", CreateListingRequest{
			WalletAddress: "wallet1",
			AmountGB:      5,
			PricePerGB:    decimal.NewFromFloat(1.00),
			PayoutAddress: "payout-addr",
		})
		assert.NoError(t, err)
		assert.Equal(t, models.ListingActive, listing.Status)
		assert.Equal(t, 5.0, listing.RemainingGB)
		assert.True(t, listing.TotalPrice.Equal(decimal.NewFromFloat(5.00)))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejects totals below the minimum before any mutation", func(t *testing.T) {
		_, err := service.CreateListing("seller1", CreateListingRequest{
			WalletAddress: "wallet1",
			AmountGB:      0.1,
			PricePerGB:    decimal.NewFromFloat(1.00),
			PayoutAddress: "payout-addr",
		})
		assert.True(t, IsValidationError(err))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive price", func(t *testing.T) {
		_, err := service.CreateListing("seller1", CreateListingRequest{
			WalletAddress: "wallet1",
			AmountGB:      5,
			PricePerGB:    decimal.Zero,
			PayoutAddress: "payout-addr",
		})
		assert.True(t, IsValidationError(err))
	})

	t.Run("insufficient credits rolls everything back", func(t *testing.T) {
		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, total_mb, used_mb, available_mb").
			WithArgs("seller1", "wallet1").
			WillReturnRows(balanceRows("bal1", 1024, 0, 1024, 1))
		dbMock.ExpectRollback()

		_, err := service.CreateListing("seller1", CreateListingRequest{
			WalletAddress: "wallet1",
			AmountGB:      5,
			PricePerGB:    decimal.NewFromFloat(1.00),
			PayoutAddress: "payout-addr",
		})
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestMarketplaceService_PurchaseListing(t *testing.T) {
	ctx := context.Background()

	t.Run("creates both charges and a pending settlement, no ledger writes", func(t *testing.T) {
		service, dbMock, provider, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 10, "2.00", "ACTIVE"))

		// 10% platform fee on an 8.00 USD fill
		provider.On("CreateCharge", ctx, mock.MatchedBy(func(req ChargeRequest) bool {
			return req.Amount.Equal(decimal.NewFromFloat(0.80)) && req.PayoutAddress == ""
		})).Return(&Charge{ChargeID: "charge-plat", HostedURL: "https://pay.example/plat"}, nil).Once()
		provider.On("CreateCharge", ctx, mock.MatchedBy(func(req ChargeRequest) bool {
			return req.Amount.Equal(decimal.NewFromFloat(7.20)) && req.PayoutAddress == "payout-addr"
		})).Return(&Charge{ChargeID: "charge-sell", HostedURL: "https://pay.example/sell"}, nil).Once()

		dbMock.ExpectExec("INSERT INTO p2p_settlements").
			WillReturnResult(sqlmock.NewResult(1, 1))

		order, err := service.PurchaseListing(ctx, "buyer1", "listing1", PurchaseListingRequest{
			WalletAddress: "buyer-wallet",
			AmountGB:      4,
		})
		assert.NoError(t, err)
		assert.Equal(t, models.SettlementPending, order.Settlement.Status)
		assert.True(t, order.Settlement.TotalPrice.Equal(decimal.NewFromFloat(8.00)))
		assert.True(t, order.Settlement.PlatformFee.Equal(decimal.NewFromFloat(0.80)))
		assert.True(t, order.Settlement.SellerPayment.Equal(decimal.NewFromFloat(7.20)))
		assert.Equal(t, "https://pay.example/plat", order.PlatformPaymentURL)
		assert.Equal(t, "https://pay.example/sell", order.SellerPaymentURL)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		provider.AssertExpectations(t)
	})

	t.Run("rejects self trade", func(t *testing.T) {
		service, dbMock, provider, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 10, "2.00", "ACTIVE"))

		_, err := service.PurchaseListing(ctx, "seller1", "listing1", PurchaseListingRequest{
			WalletAddress: "seller-wallet",
			AmountGB:      4,
		})
		assert.ErrorIs(t, err, ErrSelfTradeNotAllowed)
		provider.AssertNotCalled(t, "CreateCharge")
	})

	t.Run("rejects amounts above remaining inventory", func(t *testing.T) {
		service, dbMock, provider, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 3, "2.00", "ACTIVE"))

		_, err := service.PurchaseListing(ctx, "buyer1", "listing1", PurchaseListingRequest{
			WalletAddress: "buyer-wallet",
			AmountGB:      3.5,
		})
		assert.ErrorIs(t, err, ErrInsufficientListingInventory)
		provider.AssertNotCalled(t, "CreateCharge")
	})

	t.Run("rejects inactive listing", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 10, "2.00", "CANCELLED"))

		_, err := service.PurchaseListing(ctx, "buyer1", "listing1", PurchaseListingRequest{
			WalletAddress: "buyer-wallet",
			AmountGB:      4,
		})
		assert.ErrorIs(t, err, ErrListingNotActive)
	})
}

func TestMarketplaceService_ConfirmListingPurchase(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(20 * time.Minute)

	confirmReq := ConfirmListingPurchaseRequest{
		PlatformChargeID: "charge-plat",
		SellerChargeID:   "charge-sell",
	}

	t.Run("deposits buyer, shrinks listing, completes settlement", func(t *testing.T) {
		service, dbMock, provider, payouts, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", future))

		provider.On("GetCharge", ctx, "charge-plat").Return(confirmedChargeStatus("charge-plat"), nil).Once()
		provider.On("GetCharge", ctx, "charge-sell").Return(confirmedChargeStatus("charge-sell"), nil).Once()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT status FROM p2p_settlements").
			WithArgs("set1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 10, "2.00", "ACTIVE"))
		// buyer deposit of 4096 MB
		dbMock.ExpectQuery("SELECT id, total_mb, used_mb, available_mb").
			WithArgs("buyer1", "buyer-wallet").
			WillReturnRows(balanceRows("bal-buyer", 0, 0, 0, 1))
		dbMock.ExpectExec("UPDATE credit_balances").
			WithArgs(int64(4096), int64(0), int64(4096), sqlmock.AnyArg(), "bal-buyer", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		// seller journal record, no balance change
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(2, 1))
		// partial fill: 6 GB left at 2.00/GB, total recomputed
		dbMock.ExpectExec("UPDATE p2p_listings").
			WithArgs(6.0, decimal.RequireFromString("2.00").Mul(decimal.NewFromFloat(6)).Round(6), sqlmock.AnyArg(), "listing1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE p2p_settlements").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		payouts.On("EnqueueSellerPayout", ctx, mock.Anything, mock.Anything).Return(nil).Once()

		settlement, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.NoError(t, err)
		assert.Equal(t, models.SettlementCompleted, settlement.Status)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		provider.AssertExpectations(t)
		payouts.AssertExpectations(t)
	})

	t.Run("buying all remaining inventory completes the listing", func(t *testing.T) {
		service, dbMock, provider, payouts, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 10, "PENDING", future))

		provider.On("GetCharge", ctx, "charge-plat").Return(confirmedChargeStatus("charge-plat"), nil).Once()
		provider.On("GetCharge", ctx, "charge-sell").Return(confirmedChargeStatus("charge-sell"), nil).Once()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT status FROM p2p_settlements").
			WithArgs("set1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 10, "2.00", "ACTIVE"))
		dbMock.ExpectQuery("SELECT id, total_mb, used_mb, available_mb").
			WithArgs("buyer1", "buyer-wallet").
			WillReturnRows(balanceRows("bal-buyer", 0, 0, 0, 1))
		dbMock.ExpectExec("UPDATE credit_balances").
			WithArgs(int64(10240), int64(0), int64(10240), sqlmock.AnyArg(), "bal-buyer", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(2, 1))
		dbMock.ExpectExec("SET remaining_gb = 0, total_price = 0").
			WithArgs("COMPLETED", sqlmock.AnyArg(), "listing1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE p2p_settlements").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		payouts.On("EnqueueSellerPayout", ctx, mock.Anything, mock.Anything).Return(nil).Once()

		settlement, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.NoError(t, err)
		assert.Equal(t, models.SettlementCompleted, settlement.Status)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("residue under a thousandth of a GB completes the listing", func(t *testing.T) {
		service, dbMock, provider, payouts, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", future))

		provider.On("GetCharge", ctx, "charge-plat").Return(confirmedChargeStatus("charge-plat"), nil).Once()
		provider.On("GetCharge", ctx, "charge-sell").Return(confirmedChargeStatus("charge-sell"), nil).Once()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT status FROM p2p_settlements").
			WithArgs("set1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 4.0005, "2.00", "ACTIVE"))
		dbMock.ExpectQuery("SELECT id, total_mb, used_mb, available_mb").
			WithArgs("buyer1", "buyer-wallet").
			WillReturnRows(balanceRows("bal-buyer", 0, 0, 0, 1))
		dbMock.ExpectExec("UPDATE credit_balances").
			WithArgs(int64(4096), int64(0), int64(4096), sqlmock.AnyArg(), "bal-buyer", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(2, 1))
		dbMock.ExpectExec("SET remaining_gb = 0, total_price = 0").
			WithArgs("COMPLETED", sqlmock.AnyArg(), "listing1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE p2p_settlements").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		payouts.On("EnqueueSellerPayout", ctx, mock.Anything, mock.Anything).Return(nil).Once()

		settlement, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.NoError(t, err)
		assert.Equal(t, models.SettlementCompleted, settlement.Status)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("failed payout enqueue journals compensation, settlement stays completed", func(t *testing.T) {
		service, dbMock, provider, payouts, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", future))

		provider.On("GetCharge", ctx, "charge-plat").Return(confirmedChargeStatus("charge-plat"), nil).Once()
		provider.On("GetCharge", ctx, "charge-sell").Return(confirmedChargeStatus("charge-sell"), nil).Once()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT status FROM p2p_settlements").
			WithArgs("set1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PENDING"))
		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 10, "2.00", "ACTIVE"))
		dbMock.ExpectQuery("SELECT id, total_mb, used_mb, available_mb").
			WithArgs("buyer1", "buyer-wallet").
			WillReturnRows(balanceRows("bal-buyer", 0, 0, 0, 1))
		dbMock.ExpectExec("UPDATE credit_balances").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(2, 1))
		dbMock.ExpectExec("UPDATE p2p_listings").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE p2p_settlements").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()
		// compensation entry written outside the settlement transaction
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(3, 1))

		payouts.On("EnqueueSellerPayout", ctx, mock.Anything, mock.Anything).
			Return(fmt.Errorf("payout queue: %w", ErrExternalServiceUnavailable)).Once()

		settlement, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.NoError(t, err)
		assert.Equal(t, models.SettlementCompleted, settlement.Status)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		payouts.AssertExpectations(t)
	})

	t.Run("re-confirming a completed settlement deposits nothing", func(t *testing.T) {
		service, dbMock, provider, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "COMPLETED", future))

		settlement, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.NoError(t, err)
		assert.Equal(t, models.SettlementCompleted, settlement.Status)
		provider.AssertNotCalled(t, "GetCharge")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("concurrent confirm loses the status race cleanly", func(t *testing.T) {
		service, dbMock, provider, payouts, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", future))

		provider.On("GetCharge", ctx, "charge-plat").Return(confirmedChargeStatus("charge-plat"), nil).Once()
		provider.On("GetCharge", ctx, "charge-sell").Return(confirmedChargeStatus("charge-sell"), nil).Once()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT status FROM p2p_settlements").
			WithArgs("set1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))
		dbMock.ExpectRollback()

		settlement, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.NoError(t, err)
		assert.Equal(t, models.SettlementCompleted, settlement.Status)
		payouts.AssertNotCalled(t, "EnqueueSellerPayout")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("expired settlement cannot confirm", func(t *testing.T) {
		service, dbMock, provider, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		past := time.Now().Add(-time.Minute)
		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", past))
		dbMock.ExpectExec("UPDATE p2p_settlements").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.ErrorIs(t, err, ErrSettlementExpired)
		provider.AssertNotCalled(t, "GetCharge")
	})

	t.Run("unconfirmed charge blocks settlement", func(t *testing.T) {
		service, dbMock, provider, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", future))

		provider.On("GetCharge", ctx, "charge-plat").Return(pendingChargeStatus("charge-plat"), nil).Once()

		_, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", confirmReq)
		assert.ErrorIs(t, err, ErrPaymentNotConfirmed)
		provider.AssertNotCalled(t, "GetCharge", ctx, "charge-sell")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("mismatched charge references rejected", func(t *testing.T) {
		service, dbMock, provider, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", future))

		_, err := service.ConfirmListingPurchase(ctx, "buyer1", "set1", ConfirmListingPurchaseRequest{
			PlatformChargeID: "charge-other",
			SellerChargeID:   "charge-sell",
		})
		assert.True(t, IsValidationError(err))
		provider.AssertNotCalled(t, "GetCharge")
	})

	t.Run("wrong buyer rejected", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectQuery("SELECT id, listing_id").
			WithArgs("set1").
			WillReturnRows(settlementRows("set1", "listing1", "buyer1", 4, "PENDING", future))

		_, err := service.ConfirmListingPurchase(ctx, "intruder", "set1", confirmReq)
		assert.True(t, IsValidationError(err))
	})
}

func TestMarketplaceService_CancelListing(t *testing.T) {
	t.Run("releases remaining escrow and retires the listing", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 6, "2.00", "ACTIVE"))
		dbMock.ExpectQuery("SELECT id, total_mb, used_mb, available_mb").
			WithArgs("seller1", "seller-wallet").
			WillReturnRows(balanceRows("bal1", 0, 0, 0, 4))
		dbMock.ExpectExec("UPDATE credit_balances").
			WithArgs(int64(6144), int64(0), int64(6144), sqlmock.AnyArg(), "bal1", int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO credit_journal").
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("UPDATE p2p_listings").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		listing, err := service.CancelListing("seller1", "listing1")
		assert.NoError(t, err)
		assert.Equal(t, models.ListingCancelled, listing.Status)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("only the owner can cancel", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 6, "2.00", "ACTIVE"))
		dbMock.ExpectRollback()

		_, err := service.CancelListing("intruder", "listing1")
		assert.ErrorIs(t, err, ErrNotListingOwner)
	})

	t.Run("cancelled listing cannot cancel again", func(t *testing.T) {
		service, dbMock, _, _, cleanup := newMarketplaceForTest(t)
		defer cleanup()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, seller_user_id").
			WithArgs("listing1").
			WillReturnRows(listingRows("listing1", "seller1", 6, "2.00", "CANCELLED"))
		dbMock.ExpectRollback()

		_, err := service.CancelListing("seller1", "listing1")
		assert.ErrorIs(t, err, ErrListingNotActive)
	})
}
