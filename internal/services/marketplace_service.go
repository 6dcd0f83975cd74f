package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/permastore/backend/internal/audit"
	"github.com/permastore/backend/internal/config"
	"github.com/permastore/backend/internal/models"
	"github.com/shopspring/decimal"
)

// PayoutEnqueuer hands a confirmed seller payment to the payout rail.
type PayoutEnqueuer interface {
	EnqueueSellerPayout(ctx context.Context, settlement *models.Settlement, listing *models.Listing) error
}

// MarketplaceService owns the P2P listing lifecycle and the two-phase
// settlement of listing purchases. Listing inventory and buyer/seller
// balances only move inside database transactions; the external charge
// provider is always consulted before any local write.
type MarketplaceService struct {
	db        *sql.DB
	ledger    *CreditLedgerService
	journal   *JournalService
	provider  ChargeProvider
	payouts   PayoutEnqueuer
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.MarketplaceConfig
}

func NewMarketplaceService(db *sql.DB, ledger *CreditLedgerService, journal *JournalService, provider ChargeProvider, payouts PayoutEnqueuer, auditLogger *audit.Logger) *MarketplaceService {
	return &MarketplaceService{
		db:        db,
		ledger:    ledger,
		journal:   journal,
		provider:  provider,
		payouts:   payouts,
		audit:     auditLogger,
		validator: NewValidationHelper(),
		cfg:       config.LoadMarketplaceConfig(),
	}
}

type CreateListingRequest struct {
	WalletAddress string          `json:"walletAddress" validate:"required,min=4,max=64"`
	AmountGB      float64         `json:"amountGB" validate:"required,gt=0"`
	PricePerGB    decimal.Decimal `json:"pricePerGB"`
	PayoutAddress string          `json:"payoutAddress" validate:"required,min=4,max=128"`
}

type PurchaseListingRequest struct {
	WalletAddress string  `json:"walletAddress" validate:"required,min=4,max=64"`
	AmountGB      float64 `json:"amountGB" validate:"required,gt=0"`
}

type ConfirmListingPurchaseRequest struct {
	PlatformChargeID string `json:"platformChargeId" validate:"required"`
	SellerChargeID   string `json:"sellerChargeId" validate:"required"`
}

// ListingPurchaseOrder is the Phase A result: a pending settlement and
// the two hosted payment URLs the buyer must pay.
type ListingPurchaseOrder struct {
	Settlement         *models.Settlement `json:"settlement"`
	PlatformPaymentURL string             `json:"platformPaymentUrl"`
	SellerPaymentURL   string             `json:"sellerPaymentUrl"`
}

// CreateListing escrows the listed credits out of the seller's balance
// and persists the listing, in one transaction.
func (s *MarketplaceService) CreateListing(userID string, req CreateListingRequest) (*models.Listing, error) {
	if req.AmountGB <= 0 {
		return nil, NewValidationError("listing amount must be positive, got %.3f GB", req.AmountGB)
	}
	if req.PricePerGB.LessThanOrEqual(decimal.Zero) {
		return nil, NewValidationError("price per GB must be positive, got %s", req.PricePerGB)
	}
	totalPrice := req.PricePerGB.Mul(decimal.NewFromFloat(req.AmountGB))
	if totalPrice.LessThan(s.cfg.MinListingTotalUSD) {
		return nil, NewValidationError("listing total %s USD is below the %s USD minimum",
			totalPrice.StringFixed(2), s.cfg.MinListingTotalUSD.StringFixed(2))
	}

	listing := &models.Listing{
		ID:            uuid.New().String(),
		SellerUserID:  userID,
		SellerWallet:  req.WalletAddress,
		PayoutAddress: req.PayoutAddress,
		RemainingGB:   req.AmountGB,
		PricePerGB:    req.PricePerGB,
		TotalPrice:    totalPrice,
		Status:        models.ListingActive,
		CreatedAt:     time.Now(),
	}
	amountMB := mbFromGB(req.AmountGB)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	metadata, _ := json.Marshal(map[string]string{"listing_id": listing.ID})
	err = s.ledger.ReserveTx(tx, userID, req.WalletAddress, amountMB, &models.JournalEntry{
		EntryType: models.JournalListingCreated,
		AmountMB:  -amountMB,
		CostUSD:   decimal.Zero,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO p2p_listings
		(id, seller_user_id, seller_wallet, payout_address, remaining_gb, price_per_gb, total_price, status, views, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)`,
		listing.ID, listing.SellerUserID, listing.SellerWallet, listing.PayoutAddress,
		listing.RemainingGB, listing.PricePerGB, listing.TotalPrice, string(listing.Status), listing.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[MARKET] Listing %s created: %.3f GB at %s USD/GB by %s",
		listing.ID, listing.RemainingGB, listing.PricePerGB, userID)
	return listing, nil
}

// PurchaseListing is Phase A of the two-phase settlement: quote the
// split, create both payment charges, persist a pending settlement. No
// credits and no listing inventory move here.
func (s *MarketplaceService) PurchaseListing(ctx context.Context, buyerID, listingID string, req PurchaseListingRequest) (*ListingPurchaseOrder, error) {
	listing, err := s.fetchListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingActive {
		return nil, ErrListingNotActive
	}
	if req.AmountGB <= 0 {
		return nil, NewValidationError("purchase amount must be positive, got %.3f GB", req.AmountGB)
	}
	if req.AmountGB > listing.RemainingGB+s.cfg.GBEpsilon {
		return nil, ErrInsufficientListingInventory
	}
	if buyerID == listing.SellerUserID {
		return nil, ErrSelfTradeNotAllowed
	}

	totalPrice := listing.PricePerGB.Mul(decimal.NewFromFloat(req.AmountGB)).Round(2)
	platformFee := totalPrice.Mul(decimal.NewFromFloat(s.cfg.PlatformFeePercent / 100)).Round(2)
	sellerPayment := totalPrice.Sub(platformFee)

	settlementID := uuid.New().String()
	platformCharge, err := s.provider.CreateCharge(ctx, ChargeRequest{
		Amount:      platformFee,
		Currency:    "USD",
		Description: fmt.Sprintf("Marketplace fee for listing %s", listing.ID),
		Metadata:    map[string]string{"settlement_id": settlementID, "leg": "platform-fee"},
	})
	if err != nil {
		return nil, err
	}
	sellerCharge, err := s.provider.CreateCharge(ctx, ChargeRequest{
		Amount:        sellerPayment,
		Currency:      "USD",
		Description:   fmt.Sprintf("Storage purchase from listing %s", listing.ID),
		PayoutAddress: listing.PayoutAddress,
		Metadata:      map[string]string{"settlement_id": settlementID, "leg": "seller-payment"},
	})
	if err != nil {
		// The platform-fee charge stays orphaned at the provider; it is
		// never confirmed against a settlement, so no credits can move.
		log.Printf("[MARKET] Seller charge creation failed, platform charge %s orphaned: %v", platformCharge.ChargeID, err)
		return nil, err
	}

	settlement := &models.Settlement{
		ID:               settlementID,
		ListingID:        listing.ID,
		BuyerUserID:      buyerID,
		BuyerWallet:      req.WalletAddress,
		AmountGB:         req.AmountGB,
		TotalPrice:       totalPrice,
		PlatformFee:      platformFee,
		SellerPayment:    sellerPayment,
		PlatformChargeID: platformCharge.ChargeID,
		SellerChargeID:   sellerCharge.ChargeID,
		Status:           models.SettlementPending,
		ExpiresAt:        time.Now().Add(s.cfg.SettlementTTL),
		CreatedAt:        time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO p2p_settlements
		(id, listing_id, buyer_user_id, buyer_wallet, amount_gb, total_price, platform_fee, seller_payment, platform_charge_id, seller_charge_id, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		settlement.ID, settlement.ListingID, settlement.BuyerUserID, settlement.BuyerWallet,
		settlement.AmountGB, settlement.TotalPrice, settlement.PlatformFee, settlement.SellerPayment,
		settlement.PlatformChargeID, settlement.SellerChargeID, string(settlement.Status),
		settlement.ExpiresAt, settlement.CreatedAt)
	if err != nil {
		return nil, err
	}

	log.Printf("[MARKET] Settlement %s pending: %.3f GB of listing %s for %s USD (fee %s, seller %s)",
		settlement.ID, settlement.AmountGB, listing.ID, totalPrice.StringFixed(2),
		platformFee.StringFixed(2), sellerPayment.StringFixed(2))
	return &ListingPurchaseOrder{
		Settlement:         settlement,
		PlatformPaymentURL: platformCharge.HostedURL,
		SellerPaymentURL:   sellerCharge.HostedURL,
	}, nil
}

// ConfirmListingPurchase is Phase B. Both charges must show a confirmed
// event somewhere in their timeline before any mutation. Confirming an
// already-completed settlement returns it unchanged: credits are
// deposited at most once.
func (s *MarketplaceService) ConfirmListingPurchase(ctx context.Context, buyerID, settlementID string, req ConfirmListingPurchaseRequest) (*models.Settlement, error) {
	settlement, err := s.fetchSettlement(settlementID)
	if err != nil {
		return nil, err
	}
	if settlement.BuyerUserID != buyerID {
		return nil, NewValidationError("settlement %s does not belong to the caller", settlementID)
	}
	if settlement.Status == models.SettlementCompleted {
		return settlement, nil
	}
	if settlement.Status == models.SettlementExpired {
		return nil, ErrSettlementExpired
	}
	if req.PlatformChargeID != settlement.PlatformChargeID || req.SellerChargeID != settlement.SellerChargeID {
		return nil, NewValidationError("charge references do not match settlement %s", settlementID)
	}
	if time.Now().After(settlement.ExpiresAt) {
		s.expireSettlement(settlement)
		return nil, ErrSettlementExpired
	}

	platformStatus, err := s.provider.GetCharge(ctx, settlement.PlatformChargeID)
	if err != nil {
		return nil, err
	}
	if !ChargeConfirmed(platformStatus) {
		return nil, ErrPaymentNotConfirmed
	}
	sellerStatus, err := s.provider.GetCharge(ctx, settlement.SellerChargeID)
	if err != nil {
		return nil, err
	}
	if !ChargeConfirmed(sellerStatus) {
		return nil, ErrPaymentNotConfirmed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Re-check under lock: a racing confirm may have settled already.
	var lockedStatus string
	err = tx.QueryRow(`SELECT status FROM p2p_settlements WHERE id = $1 FOR UPDATE`, settlementID).Scan(&lockedStatus)
	if err != nil {
		return nil, err
	}
	if models.SettlementStatus(lockedStatus) == models.SettlementCompleted {
		settlement.Status = models.SettlementCompleted
		return settlement, nil
	}

	listing, err := s.lockListing(tx, settlement.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingActive {
		return nil, ErrListingNotActive
	}
	if settlement.AmountGB > listing.RemainingGB+s.cfg.GBEpsilon {
		return nil, ErrInsufficientListingInventory
	}

	amountMB := mbFromGB(settlement.AmountGB)
	metadata, _ := json.Marshal(map[string]string{
		"settlement_id":      settlement.ID,
		"listing_id":         listing.ID,
		"platform_charge_id": settlement.PlatformChargeID,
		"seller_charge_id":   settlement.SellerChargeID,
	})

	err = s.ledger.DepositTx(tx, settlement.BuyerUserID, settlement.BuyerWallet, amountMB, &models.JournalEntry{
		EntryType: models.JournalSale,
		AmountMB:  amountMB,
		CostUSD:   settlement.TotalPrice,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	// Seller's megabytes already left escrow at listing time; record
	// the sale and payout on their journal without a balance change.
	err = s.journal.AppendTx(tx, &models.JournalEntry{
		UserID:        listing.SellerUserID,
		WalletAddress: listing.SellerWallet,
		EntryType:     models.JournalSale,
		AmountMB:      -amountMB,
		CostUSD:       settlement.SellerPayment.Neg(),
		Metadata:      metadata,
	})
	if err != nil {
		return nil, err
	}

	remaining := listing.RemainingGB - settlement.AmountGB
	if remaining <= s.cfg.GBEpsilon {
		_, err = tx.Exec(`
			UPDATE p2p_listings
			SET remaining_gb = 0, total_price = 0, status = $1, updated_at = $2
			WHERE id = $3`,
			string(models.ListingCompleted), time.Now(), listing.ID)
	} else {
		newTotal := listing.PricePerGB.Mul(decimal.NewFromFloat(remaining)).Round(6)
		_, err = tx.Exec(`
			UPDATE p2p_listings
			SET remaining_gb = $1, total_price = $2, updated_at = $3
			WHERE id = $4`,
			remaining, newTotal, time.Now(), listing.ID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE p2p_settlements SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.SettlementCompleted), time.Now(), settlement.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	settlement.Status = models.SettlementCompleted

	s.audit.LogSettlement(settlement.ID, listing.ID,
		settlement.BuyerUserID+":"+settlement.BuyerWallet,
		listing.SellerUserID+":"+listing.SellerWallet,
		amountMB, settlement.TotalPrice, "COMPLETED")

	if s.payouts != nil {
		if err := s.payouts.EnqueueSellerPayout(ctx, settlement, listing); err != nil {
			// Settlement is final; a stuck payout is operational, not a
			// ledger problem. Journal it so reconciliation can find it.
			log.Printf("[MARKET] Failed to enqueue payout for settlement %s: %v", settlement.ID, err)
			s.journalCompensation(listing, settlement, "payout-enqueue-failed", err)
		}
	}

	log.Printf("[MARKET] Settlement %s completed: %d MB to %s, listing %s now %.3f GB",
		settlement.ID, amountMB, settlement.BuyerUserID, listing.ID, math.Max(remaining, 0))
	return settlement, nil
}

// CancelListing releases the remaining escrow back to the seller and
// retires the listing, in one transaction. Owner only.
func (s *MarketplaceService) CancelListing(userID, listingID string) (*models.Listing, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	listing, err := s.lockListing(tx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerUserID != userID {
		return nil, ErrNotListingOwner
	}
	if listing.Status != models.ListingActive {
		return nil, ErrListingNotActive
	}

	amountMB := mbFromGB(listing.RemainingGB)
	metadata, _ := json.Marshal(map[string]string{"listing_id": listing.ID})
	err = s.ledger.ReleaseTx(tx, listing.SellerUserID, listing.SellerWallet, amountMB, &models.JournalEntry{
		EntryType: models.JournalListingCancelled,
		AmountMB:  amountMB,
		CostUSD:   decimal.Zero,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE p2p_listings SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.ListingCancelled), time.Now(), listing.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	listing.Status = models.ListingCancelled
	log.Printf("[MARKET] Listing %s cancelled, %d MB released to %s", listing.ID, amountMB, userID)
	return listing, nil
}

// ListActiveListings returns active listings, newest first.
func (s *MarketplaceService) ListActiveListings(limit int) ([]models.Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, seller_user_id, seller_wallet, payout_address, remaining_gb, price_per_gb, total_price, status, views, created_at, updated_at
		FROM p2p_listings
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(models.ListingActive), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listings := []models.Listing{}
	for rows.Next() {
		var listing models.Listing
		var status string
		err := rows.Scan(&listing.ID, &listing.SellerUserID, &listing.SellerWallet, &listing.PayoutAddress,
			&listing.RemainingGB, &listing.PricePerGB, &listing.TotalPrice, &status, &listing.Views,
			&listing.CreatedAt, &listing.UpdatedAt)
		if err != nil {
			return nil, err
		}
		listing.Status = models.ListingStatus(status)
		listings = append(listings, listing)
	}
	return listings, rows.Err()
}

// GetListing fetches one listing and bumps its view counter.
// The counter is informational; no locking.
func (s *MarketplaceService) GetListing(listingID string) (*models.Listing, error) {
	listing, err := s.fetchListing(listingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`UPDATE p2p_listings SET views = views + 1 WHERE id = $1`, listingID); err != nil {
		log.Printf("[MARKET] Failed to bump views for listing %s: %v", listingID, err)
	}
	return listing, nil
}

func (s *MarketplaceService) fetchListing(listingID string) (*models.Listing, error) {
	listing := &models.Listing{}
	var status string
	err := s.db.QueryRow(`
		SELECT id, seller_user_id, seller_wallet, payout_address, remaining_gb, price_per_gb, total_price, status, views, created_at, updated_at
		FROM p2p_listings
		WHERE id = $1`, listingID).Scan(
		&listing.ID, &listing.SellerUserID, &listing.SellerWallet, &listing.PayoutAddress,
		&listing.RemainingGB, &listing.PricePerGB, &listing.TotalPrice, &status, &listing.Views,
		&listing.CreatedAt, &listing.UpdatedAt)
	if err != nil {
		return nil, err
	}
	listing.Status = models.ListingStatus(status)
	return listing, nil
}

func (s *MarketplaceService) lockListing(tx *sql.Tx, listingID string) (*models.Listing, error) {
	listing := &models.Listing{}
	var status string
	err := tx.QueryRow(`
		SELECT id, seller_user_id, seller_wallet, payout_address, remaining_gb, price_per_gb, total_price, status, views, created_at, updated_at
		FROM p2p_listings
		WHERE id = $1
		FOR UPDATE`, listingID).Scan(
		&listing.ID, &listing.SellerUserID, &listing.SellerWallet, &listing.PayoutAddress,
		&listing.RemainingGB, &listing.PricePerGB, &listing.TotalPrice, &status, &listing.Views,
		&listing.CreatedAt, &listing.UpdatedAt)
	if err != nil {
		return nil, err
	}
	listing.Status = models.ListingStatus(status)
	return listing, nil
}

func (s *MarketplaceService) fetchSettlement(settlementID string) (*models.Settlement, error) {
	settlement := &models.Settlement{}
	var status string
	err := s.db.QueryRow(`
		SELECT id, listing_id, buyer_user_id, buyer_wallet, amount_gb, total_price, platform_fee, seller_payment, platform_charge_id, seller_charge_id, status, expires_at, created_at, updated_at
		FROM p2p_settlements
		WHERE id = $1`, settlementID).Scan(
		&settlement.ID, &settlement.ListingID, &settlement.BuyerUserID, &settlement.BuyerWallet,
		&settlement.AmountGB, &settlement.TotalPrice, &settlement.PlatformFee, &settlement.SellerPayment,
		&settlement.PlatformChargeID, &settlement.SellerChargeID, &status, &settlement.ExpiresAt,
		&settlement.CreatedAt, &settlement.UpdatedAt)
	if err != nil {
		return nil, err
	}
	settlement.Status = models.SettlementStatus(status)
	return settlement, nil
}

func (s *MarketplaceService) expireSettlement(settlement *models.Settlement) {
	if _, err := s.db.Exec(`UPDATE p2p_settlements SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(models.SettlementExpired), time.Now(), settlement.ID, string(models.SettlementPending)); err != nil {
		log.Printf("[MARKET] Failed to expire settlement %s: %v", settlement.ID, err)
	}
	settlement.Status = models.SettlementExpired
}

func (s *MarketplaceService) journalCompensation(listing *models.Listing, settlement *models.Settlement, reason string, cause error) {
	metadata, _ := json.Marshal(map[string]string{
		"settlement_id": settlement.ID,
		"listing_id":    listing.ID,
		"reason":        reason,
		"error":         cause.Error(),
	})
	entry := &models.JournalEntry{
		UserID:        listing.SellerUserID,
		WalletAddress: listing.SellerWallet,
		EntryType:     models.JournalCompensation,
		AmountMB:      0,
		CostUSD:       decimal.Zero,
		Metadata:      metadata,
	}
	if err := s.journal.Append(entry); err != nil {
		// The only record of a compensated operation must not vanish
		// silently.
		s.audit.LogCompensationFailure(reason, settlement.ID,
			listing.SellerUserID+":"+listing.SellerWallet,
			fmt.Errorf("%v (journal append: %v): %w", cause, err, ErrCompensationFailed))
	}
}

func mbFromGB(gb float64) int64 {
	return int64(math.Round(gb * 1024))
}

// HTTP handlers

// HandleCreateListing lists surplus credits for sale
// @Summary Create a P2P listing
// @Description Escrow surplus credits and publish them for sale
// @Tags marketplace
// @Accept json
// @Produce json
// @Param listing body CreateListingRequest true "Listing details"
// @Success 201 {object} models.Listing
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /listings [post]
func (s *MarketplaceService) HandleCreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateListingRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	listing, err := s.CreateListing(userID, req)
	if err != nil {
		SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(listing)
}

// HandleListListings lists active listings
// @Summary List active P2P listings
// @Tags marketplace
// @Produce json
// @Param limit query int false "Max listings to return (default 50)"
// @Success 200 {object} object{listings=[]models.Listing,count=int}
// @Router /listings [get]
func (s *MarketplaceService) HandleListListings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	listings, err := s.ListActiveListings(limit)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch listings", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"listings": listings,
		"count":    len(listings),
	})
}

// HandleGetListing retrieves one listing
// @Summary Get listing by ID
// @Tags marketplace
// @Produce json
// @Param listingId path string true "Listing ID"
// @Success 200 {object} models.Listing
// @Failure 404 {object} ErrorResponse
// @Router /listings/{listingId} [get]
func (s *MarketplaceService) HandleGetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.GetListing(chi.URLParam(r, "listingId"))
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Listing not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch listing", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// HandlePurchaseListing starts Phase A of a listing purchase
// @Summary Purchase all or part of a listing
// @Description Create the platform-fee and seller-payment charges; no credits move yet
// @Tags marketplace
// @Accept json
// @Produce json
// @Param listingId path string true "Listing ID"
// @Param purchase body PurchaseListingRequest true "Purchase details"
// @Success 201 {object} ListingPurchaseOrder
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /listings/{listingId}/purchase [post]
func (s *MarketplaceService) HandlePurchaseListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	listingID := chi.URLParam(r, "listingId")

	var req PurchaseListingRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	order, err := s.PurchaseListing(r.Context(), userID, listingID, req)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Listing not found", http.StatusNotFound, nil)
			return
		}
		SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// HandleConfirmListingPurchase completes Phase B of a listing purchase
// @Summary Confirm a listing purchase
// @Description Verify both payment charges and finalize the credit transfer; idempotent
// @Tags marketplace
// @Accept json
// @Produce json
// @Param settlementId path string true "Settlement ID"
// @Param confirmation body ConfirmListingPurchaseRequest true "Charge references"
// @Success 200 {object} models.Settlement
// @Failure 402 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Router /settlements/{settlementId}/confirm [post]
func (s *MarketplaceService) HandleConfirmListingPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	settlementID := chi.URLParam(r, "settlementId")

	var req ConfirmListingPurchaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	settlement, err := s.ConfirmListingPurchase(r.Context(), userID, settlementID, req)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Settlement not found", http.StatusNotFound, nil)
			return
		}
		SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settlement)
}

// HandleCancelListing cancels a listing
// @Summary Cancel an active listing
// @Description Release the remaining escrowed credits back to the seller
// @Tags marketplace
// @Produce json
// @Param listingId path string true "Listing ID"
// @Success 200 {object} models.Listing
// @Failure 403 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Router /listings/{listingId} [delete]
func (s *MarketplaceService) HandleCancelListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	listing, err := s.CancelListing(userID, chi.URLParam(r, "listingId"))
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Listing not found", http.StatusNotFound, nil)
			return
		}
		SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

func (s *MarketplaceService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}
