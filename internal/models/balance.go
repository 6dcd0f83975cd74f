package models

import (
	"time"
)

// CreditBalance is the authoritative storage-credit balance for one
// (user, wallet) pair. available_mb = total_mb - used_mb at all times.
type CreditBalance struct {
	ID            int       `json:"id" db:"id"`
	UserID        string    `json:"userId" db:"user_id"`
	WalletAddress string    `json:"walletAddress" db:"wallet_address"`
	TotalMB       int64     `json:"totalCreditedMB" db:"total_mb"`
	UsedMB        int64     `json:"usedMB" db:"used_mb"`
	AvailableMB   int64     `json:"availableMB" db:"available_mb"`
	Version       int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}
