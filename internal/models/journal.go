package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type JournalEntryType string

const (
	JournalPurchase         JournalEntryType = "purchase"
	JournalSale             JournalEntryType = "sale"
	JournalListingCreated   JournalEntryType = "listing-created"
	JournalListingCancelled JournalEntryType = "listing-cancelled"
	JournalUsage            JournalEntryType = "usage"
	JournalCompensation     JournalEntryType = "compensation"
)

// JournalEntry is an immutable audit record of one balance-affecting
// event. AmountMB is negative for debits, CostUSD negative when money
// is paid out.
type JournalEntry struct {
	ID            int64            `json:"id" db:"id"`
	UserID        string           `json:"userId" db:"user_id"`
	WalletAddress string           `json:"walletAddress" db:"wallet_address"`
	EntryType     JournalEntryType `json:"entryType" db:"entry_type"`
	AmountMB      int64            `json:"amountMB" db:"amount_mb"`
	CostUSD       decimal.Decimal  `json:"costUsd" db:"cost_usd"`
	Metadata      json.RawMessage  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time        `json:"createdAt" db:"created_at"`
}

// UsageStats is the read-side projection over recent usage entries.
type UsageStats struct {
	WindowDays    int             `json:"windowDays"`
	Uploads       int             `json:"uploads"`
	BytesUploaded int64           `json:"bytesUploaded"`
	SpendUSD      decimal.Decimal `json:"spendUsd"`
	AvgDailyMB    float64         `json:"avgDailyMB"`
	// Nil when the window holds no usage data to extrapolate from.
	EstimatedDaysRemaining *float64 `json:"estimatedDaysRemaining"`
}
