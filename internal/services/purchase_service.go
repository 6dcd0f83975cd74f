package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/permastore/backend/internal/audit"
	"github.com/permastore/backend/internal/config"
	"github.com/permastore/backend/internal/models"
	"github.com/shopspring/decimal"
)

// PurchaseService turns an intended storage amount plus an external
// payment into a completed ledger deposit.
type PurchaseService struct {
	db        *sql.DB
	pricing   *PricingService
	provider  ChargeProvider
	ledger    *CreditLedgerService
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.MarketplaceConfig
}

func NewPurchaseService(db *sql.DB, pricing *PricingService, provider ChargeProvider, ledger *CreditLedgerService, auditLogger *audit.Logger) *PurchaseService {
	return &PurchaseService{
		db:        db,
		pricing:   pricing,
		provider:  provider,
		ledger:    ledger,
		audit:     auditLogger,
		validator: NewValidationHelper(),
		cfg:       config.LoadMarketplaceConfig(),
	}
}

// QuoteRequest selects storage by package id, explicit MB amount, or a
// target USD spend (back-solved to MB).
type QuoteRequest struct {
	PackageID       string          `json:"packageId"`
	StorageMB       int64           `json:"storageMB" validate:"omitempty,gt=0"`
	SpendUSD        decimal.Decimal `json:"spendUsd"`
	DiscountPercent float64         `json:"discountPercent" validate:"omitempty,gte=0,lt=100"`
}

type InitiatePurchaseRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,min=4,max=64"`
	PaymentRail   string `json:"paymentRail" validate:"omitempty,oneof=crypto card"`
	QuoteRequest
}

type ConfirmPurchaseRequest struct {
	ChargeID       string          `json:"chargeId" validate:"required"`
	DeclaredAmount decimal.Decimal `json:"declaredAmount"`
}

// Quote prices a storage selection. Dry run: performs no writes.
func (s *PurchaseService) Quote(ctx context.Context, req QuoteRequest) (*models.PriceQuote, error) {
	storageMB, err := s.resolveStorageMB(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.pricing.PriceFor(ctx, storageMB, s.cfg.ProfitMarginPercent, req.DiscountPercent)
}

// Initiate persists a PENDING purchase capturing the quoted price and
// the price-feed snapshot it was computed from, plus a hosted charge
// the user can pay. The ledger is untouched until Confirm.
func (s *PurchaseService) Initiate(ctx context.Context, userID string, req InitiatePurchaseRequest) (*models.StoragePurchase, error) {
	quote, err := s.Quote(ctx, req.QuoteRequest)
	if err != nil {
		return nil, err
	}

	rail := req.PaymentRail
	if rail == "" {
		rail = "crypto"
	}

	charge, err := s.provider.CreateCharge(ctx, ChargeRequest{
		Amount:      quote.FinalPrice,
		Currency:    "USD",
		Description: fmt.Sprintf("Storage credits: %d MB", quote.StorageMB),
		Metadata: map[string]string{
			"user_id":        userID,
			"wallet_address": req.WalletAddress,
		},
	})
	if err != nil {
		return nil, err
	}

	purchase := &models.StoragePurchase{
		ID:                uuid.New().String(),
		UserID:            userID,
		WalletAddress:     req.WalletAddress,
		StorageMB:         quote.StorageMB,
		QuotedPrice:       quote.FinalPrice,
		PaymentRail:       rail,
		ChargeID:          charge.ChargeID,
		HostedURL:         charge.HostedURL,
		TokenPriceUSD:     quote.TokenPriceUSD,
		NetworkFeeWinston: quote.NetworkFeeWinston,
		Status:            models.PurchasePending,
		CreatedAt:         time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO storage_purchases
		(id, user_id, wallet_address, storage_mb, quoted_price, payment_rail, charge_id, hosted_url, token_price_usd, network_fee_winston, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		purchase.ID, purchase.UserID, purchase.WalletAddress, purchase.StorageMB,
		purchase.QuotedPrice, purchase.PaymentRail, purchase.ChargeID, purchase.HostedURL,
		purchase.TokenPriceUSD, purchase.NetworkFeeWinston, string(purchase.Status), purchase.CreatedAt)
	if err != nil {
		return nil, err
	}

	log.Printf("[PURCHASE] Initiated %s: %d MB for %s USD (charge %s)",
		purchase.ID, purchase.StorageMB, purchase.QuotedPrice.StringFixed(2), purchase.ChargeID)
	return purchase, nil
}

// Confirm re-validates the external payment and, on success, deposits
// the credits and completes the purchase. Safe to call repeatedly while
// payment is pending; re-confirming a COMPLETED purchase fails with
// ErrAlreadyCompleted instead of double-depositing.
func (s *PurchaseService) Confirm(ctx context.Context, userID, purchaseID string, req ConfirmPurchaseRequest) (*models.StoragePurchase, error) {
	purchase, err := s.fetchPurchase(purchaseID)
	if err != nil {
		return nil, err
	}

	if purchase.UserID != userID {
		return nil, NewValidationError("purchase %s does not belong to the caller", purchaseID)
	}
	switch purchase.Status {
	case models.PurchaseCompleted:
		return nil, ErrAlreadyCompleted
	case models.PurchaseFailed:
		return nil, NewValidationError("purchase %s already failed", purchaseID)
	}
	if req.ChargeID != purchase.ChargeID {
		return nil, NewValidationError("charge id does not match purchase %s", purchaseID)
	}

	// Reconcile what the client says it paid against what we quoted.
	if !req.DeclaredAmount.IsZero() {
		deviation := req.DeclaredAmount.Sub(purchase.QuotedPrice).Abs()
		if deviation.GreaterThan(s.cfg.PriceToleranceUSD) {
			s.markFailed(purchase, fmt.Sprintf("declared %s vs quoted %s", req.DeclaredAmount, purchase.QuotedPrice))
			return nil, ErrPriceMismatch
		}
	}

	status, err := s.provider.GetCharge(ctx, purchase.ChargeID)
	if err != nil {
		return nil, err
	}
	if !ChargeConfirmed(status) {
		return nil, ErrPaymentNotConfirmed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Re-check under lock so two racing confirms deposit at most once.
	var lockedStatus string
	err = tx.QueryRow(`SELECT status FROM storage_purchases WHERE id = $1 FOR UPDATE`, purchaseID).Scan(&lockedStatus)
	if err != nil {
		return nil, err
	}
	if models.PurchaseStatus(lockedStatus) == models.PurchaseCompleted {
		return nil, ErrAlreadyCompleted
	}

	metadata, _ := json.Marshal(map[string]string{
		"purchase_id": purchase.ID,
		"charge_id":   purchase.ChargeID,
	})
	err = s.ledger.DepositTx(tx, purchase.UserID, purchase.WalletAddress, purchase.StorageMB, &models.JournalEntry{
		EntryType: models.JournalPurchase,
		AmountMB:  purchase.StorageMB,
		CostUSD:   purchase.QuotedPrice,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE storage_purchases SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.PurchaseCompleted), time.Now(), purchaseID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	purchase.Status = models.PurchaseCompleted
	s.audit.LogLedgerOp("PURCHASE_COMPLETED", purchase.ID, purchase.UserID+":"+purchase.WalletAddress, purchase.StorageMB, "SUCCESS")
	log.Printf("[PURCHASE] Completed %s: deposited %d MB", purchase.ID, purchase.StorageMB)
	return purchase, nil
}

func (s *PurchaseService) resolveStorageMB(ctx context.Context, req QuoteRequest) (int64, error) {
	if req.PackageID != "" {
		storageMB, ok := s.cfg.StoragePackagesMB[req.PackageID]
		if !ok {
			return 0, NewValidationError("unknown storage package %q", req.PackageID)
		}
		return storageMB, nil
	}
	if req.StorageMB > 0 {
		return req.StorageMB, nil
	}
	if req.SpendUSD.GreaterThan(decimal.Zero) {
		return s.pricing.MBForSpend(ctx, req.SpendUSD, s.cfg.ProfitMarginPercent, req.DiscountPercent)
	}
	return 0, NewValidationError("quote requires a package id, a storage amount, or a target spend")
}

func (s *PurchaseService) fetchPurchase(purchaseID string) (*models.StoragePurchase, error) {
	purchase := &models.StoragePurchase{}
	var status string
	err := s.db.QueryRow(`
		SELECT id, user_id, wallet_address, storage_mb, quoted_price, payment_rail, charge_id, hosted_url, token_price_usd, network_fee_winston, status, created_at, updated_at
		FROM storage_purchases
		WHERE id = $1`, purchaseID).Scan(
		&purchase.ID, &purchase.UserID, &purchase.WalletAddress, &purchase.StorageMB,
		&purchase.QuotedPrice, &purchase.PaymentRail, &purchase.ChargeID, &purchase.HostedURL,
		&purchase.TokenPriceUSD, &purchase.NetworkFeeWinston, &status, &purchase.CreatedAt, &purchase.UpdatedAt)
	if err != nil {
		return nil, err
	}
	purchase.Status = models.PurchaseStatus(status)
	return purchase, nil
}

func (s *PurchaseService) markFailed(purchase *models.StoragePurchase, reason string) {
	if _, err := s.db.Exec(`UPDATE storage_purchases SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(models.PurchaseFailed), time.Now(), purchase.ID, string(models.PurchasePending)); err != nil {
		log.Printf("[PURCHASE] Failed to mark purchase %s failed: %v", purchase.ID, err)
	}
	s.audit.LogError(purchase.ID, purchase.UserID+":"+purchase.WalletAddress, fmt.Errorf("purchase failed: %s", reason))
}

// HTTP handlers

// HandleQuote prices a storage selection without side effects
// @Summary Quote storage credits
// @Description Price a package, explicit MB amount, or target spend (dry run, no writes)
// @Tags purchases
// @Accept json
// @Produce json
// @Param quote body QuoteRequest true "Storage selection"
// @Success 200 {object} models.PriceQuote
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /purchases/quote [post]
func (s *PurchaseService) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	quote, err := s.Quote(r.Context(), req)
	if err != nil {
		SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(quote)
}

// HandleInitiate starts a purchase
// @Summary Initiate a storage credit purchase
// @Description Create a pending purchase and a hosted payment charge
// @Tags purchases
// @Accept json
// @Produce json
// @Param purchase body InitiatePurchaseRequest true "Purchase request"
// @Success 201 {object} models.StoragePurchase
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /purchases [post]
func (s *PurchaseService) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req InitiatePurchaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	purchase, err := s.Initiate(r.Context(), userID, req)
	if err != nil {
		SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(purchase)
}

// HandleConfirm completes a purchase after payment
// @Summary Confirm a storage credit purchase
// @Description Verify the external payment and deposit the credits; idempotent while pending
// @Tags purchases
// @Accept json
// @Produce json
// @Param purchaseId path string true "Purchase ID"
// @Param confirmation body ConfirmPurchaseRequest true "Payment proof"
// @Success 200 {object} models.StoragePurchase
// @Failure 402 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /purchases/{purchaseId}/confirm [post]
func (s *PurchaseService) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	purchaseID := chi.URLParam(r, "purchaseId")

	var req ConfirmPurchaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	purchase, err := s.Confirm(r.Context(), userID, purchaseID, req)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Purchase not found", http.StatusNotFound, nil)
			return
		}
		SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(purchase)
}

// HandleGet retrieves a purchase
// @Summary Get purchase by ID
// @Tags purchases
// @Produce json
// @Param purchaseId path string true "Purchase ID"
// @Success 200 {object} models.StoragePurchase
// @Failure 404 {object} ErrorResponse
// @Router /purchases/{purchaseId} [get]
func (s *PurchaseService) HandleGet(w http.ResponseWriter, r *http.Request) {
	purchase, err := s.fetchPurchase(chi.URLParam(r, "purchaseId"))
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Purchase not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch purchase", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(purchase)
}

func (s *PurchaseService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
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
