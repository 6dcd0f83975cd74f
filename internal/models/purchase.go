package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseFailed    PurchaseStatus = "FAILED"
)

// StoragePurchase is one attempt to convert a stablecoin payment into
// storage credits. Immutable once COMPLETED.
type StoragePurchase struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"userId" db:"user_id"`
	WalletAddress string          `json:"walletAddress" db:"wallet_address"`
	StorageMB     int64           `json:"storageMB" db:"storage_mb"`
	QuotedPrice   decimal.Decimal `json:"quotedPrice" db:"quoted_price"`
	PaymentRail   string          `json:"paymentRail" db:"payment_rail"`
	ChargeID      string          `json:"chargeId" db:"charge_id"`
	HostedURL     string          `json:"hostedUrl" db:"hosted_url"`
	// Price-feed snapshot captured at quote time, kept for reconciliation.
	TokenPriceUSD     decimal.Decimal `json:"tokenPriceUsd" db:"token_price_usd"`
	NetworkFeeWinston int64           `json:"networkFeeWinston" db:"network_fee_winston"`
	Status            PurchaseStatus  `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// PriceQuote is the pricing oracle's answer for one storage amount.
type PriceQuote struct {
	StorageMB         int64           `json:"storageMB"`
	BaseCost          decimal.Decimal `json:"baseCost"`
	FinalPrice        decimal.Decimal `json:"finalPrice"`
	PerGBPrice        decimal.Decimal `json:"perGBPrice"`
	TokenPriceUSD     decimal.Decimal `json:"tokenPriceUsd"`
	NetworkFeeWinston int64           `json:"networkFeeWinston"`
}
