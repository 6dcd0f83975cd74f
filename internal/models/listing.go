package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingCompleted ListingStatus = "COMPLETED"
	ListingCancelled ListingStatus = "CANCELLED"
)

// Listing is a seller's offer of surplus storage credits. The listed
// amount is escrowed out of the seller's balance while ACTIVE, so the
// same megabytes can never be listed twice or spent on an upload.
type Listing struct {
	ID            string          `json:"id" db:"id"`
	SellerUserID  string          `json:"sellerUserId" db:"seller_user_id"`
	SellerWallet  string          `json:"sellerWallet" db:"seller_wallet"`
	PayoutAddress string          `json:"payoutAddress" db:"payout_address"`
	RemainingGB   float64         `json:"remainingGB" db:"remaining_gb"`
	PricePerGB    decimal.Decimal `json:"pricePerGB" db:"price_per_gb"`
	TotalPrice    decimal.Decimal `json:"totalPrice" db:"total_price"`
	Status        ListingStatus   `json:"status" db:"status"`
	// Informational only, not covered by the ledger's consistency rules.
	Views     int       `json:"views" db:"views"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementCompleted SettlementStatus = "COMPLETED"
	SettlementExpired   SettlementStatus = "EXPIRED"
)

// Settlement is one buyer's purchase against a listing. Two independent
// payment charges back it: the platform fee and the seller payment.
// Credits only move once both charges are confirmed.
type Settlement struct {
	ID               string           `json:"id" db:"id"`
	ListingID        string           `json:"listingId" db:"listing_id"`
	BuyerUserID      string           `json:"buyerUserId" db:"buyer_user_id"`
	BuyerWallet      string           `json:"buyerWallet" db:"buyer_wallet"`
	AmountGB         float64          `json:"amountGB" db:"amount_gb"`
	TotalPrice       decimal.Decimal  `json:"totalPrice" db:"total_price"`
	PlatformFee      decimal.Decimal  `json:"platformFee" db:"platform_fee"`
	SellerPayment    decimal.Decimal  `json:"sellerPayment" db:"seller_payment"`
	PlatformChargeID string           `json:"platformChargeId" db:"platform_charge_id"`
	SellerChargeID   string           `json:"sellerChargeId" db:"seller_charge_id"`
	Status           SettlementStatus `json:"status" db:"status"`
	ExpiresAt        time.Time        `json:"expiresAt" db:"expires_at"`
	CreatedAt        time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time        `json:"updatedAt" db:"updated_at"`
}
