package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/permastore/backend/internal/models"
	"github.com/permastore/backend/internal/services"
	"github.com/shopspring/decimal"
)

type AccountHandler struct {
	ledger    *services.CreditLedgerService
	journal   *services.JournalService
	validator *services.ValidationHelper
}

func NewAccountHandler(ledger *services.CreditLedgerService, journal *services.JournalService) *AccountHandler {
	return &AccountHandler{
		ledger:    ledger,
		journal:   journal,
		validator: services.NewValidationHelper(),
	}
}

// GetBalance returns the caller's credit balance for one wallet
// @Summary Get credit balance
// @Description Fetch total, used and available storage credits for a wallet
// @Tags account
// @Produce json
// @Security BearerAuth
// @Param wallet query string true "Wallet address"
// @Success 200 {object} models.CreditBalance
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /account/balance [get]
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		services.SendErrorResponse(w, "Missing wallet query parameter", http.StatusBadRequest, nil)
		return
	}

	balance, err := h.ledger.GetBalance(userID, wallet)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

// GetUsageSummary projects recent usage from the journal
// @Summary Get usage summary
// @Description Aggregate recent uploads and spend, with a days-remaining estimate
// @Tags account
// @Produce json
// @Security BearerAuth
// @Param wallet query string true "Wallet address"
// @Param days query int false "Window in days (default 30)"
// @Success 200 {object} models.UsageStats
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /account/summary [get]
func (h *AccountHandler) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		services.SendErrorResponse(w, "Missing wallet query parameter", http.StatusBadRequest, nil)
		return
	}

	days := 30
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		if d, err := strconv.Atoi(daysStr); err == nil && d > 0 {
			days = d
		}
	}

	stats, err := h.journal.Project(userID, wallet, days)
	if err != nil {
		services.SendErrorResponse(w, "Failed to project usage", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

type recordUploadRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,min=4,max=64"`
	SizeBytes     int64  `json:"sizeBytes" validate:"required,gt=0"`
	DataItemID    string `json:"dataItemId" validate:"omitempty,max=128"`
}

// RecordUpload debits credits for a completed upload
// @Summary Record an upload
// @Description Consume available credits for an uploaded item, rounded up to whole MB
// @Tags account
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param upload body recordUploadRequest true "Upload details"
// @Success 200 {object} models.CreditBalance
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /account/uploads [post]
func (h *AccountHandler) RecordUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req recordUploadRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Whole-MB billing, rounded up.
	amountMB := (req.SizeBytes + 1024*1024 - 1) / (1024 * 1024)
	metadata, _ := json.Marshal(map[string]any{
		"data_item_id": req.DataItemID,
		"size_bytes":   req.SizeBytes,
	})
	err := h.ledger.Consume(userID, req.WalletAddress, amountMB, &models.JournalEntry{
		EntryType: models.JournalUsage,
		AmountMB:  -amountMB,
		CostUSD:   decimal.Zero,
		Metadata:  metadata,
	})
	if err != nil {
		services.SendBusinessError(w, err)
		return
	}

	balance, err := h.ledger.GetBalance(userID, req.WalletAddress)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}
