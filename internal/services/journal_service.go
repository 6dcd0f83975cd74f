package services

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/permastore/backend/internal/models"
	"github.com/shopspring/decimal"
)

// JournalService owns the append-only credit_journal table. Entries are
// never updated or deleted.
type JournalService struct {
	db *sql.DB
}

func NewJournalService(db *sql.DB) *JournalService {
	return &JournalService{db: db}
}

// AppendTx inserts an entry inside the caller's transaction so the
// journal record commits in the same unit of work as the balance change
// it describes.
func (s *JournalService) AppendTx(tx *sql.Tx, e *models.JournalEntry) error {
	if e.Metadata == nil {
		e.Metadata = json.RawMessage("{}")
	}
	_, err := tx.Exec(`
		INSERT INTO credit_journal (user_id, wallet_address, entry_type, amount_mb, cost_usd, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.UserID, e.WalletAddress, string(e.EntryType), e.AmountMB, e.CostUSD, []byte(e.Metadata), time.Now())
	return err
}

// Append is the standalone variant for records that do not ride along
// with a ledger mutation (compensation trails, usage logged after the
// fact).
func (s *JournalService) Append(e *models.JournalEntry) error {
	if e.Metadata == nil {
		e.Metadata = json.RawMessage("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO credit_journal (user_id, wallet_address, entry_type, amount_mb, cost_usd, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.UserID, e.WalletAddress, string(e.EntryType), e.AmountMB, e.CostUSD, []byte(e.Metadata), time.Now())
	return err
}

// Project aggregates the last sinceDays of journal entries into usage
// stats plus a linear days-remaining estimate. Pure read, no mutation.
func (s *JournalService) Project(userID, walletAddress string, sinceDays int) (*models.UsageStats, error) {
	if sinceDays <= 0 {
		sinceDays = 30
	}
	since := time.Now().AddDate(0, 0, -sinceDays)

	stats := &models.UsageStats{WindowDays: sinceDays}
	var usedMB int64
	var spend decimal.Decimal
	err := s.db.QueryRow(`
		SELECT COUNT(*) FILTER (WHERE entry_type = 'usage'),
		       COALESCE(SUM(-amount_mb) FILTER (WHERE entry_type = 'usage'), 0),
		       COALESCE(SUM(cost_usd) FILTER (WHERE entry_type = 'purchase'), 0)
		FROM credit_journal
		WHERE user_id = $1 AND wallet_address = $2 AND created_at >= $3`,
		userID, walletAddress, since).Scan(&stats.Uploads, &usedMB, &spend)
	if err != nil {
		return nil, err
	}
	stats.BytesUploaded = usedMB * 1024 * 1024
	stats.SpendUSD = spend

	if stats.Uploads == 0 {
		return stats, nil
	}

	var availableMB int64
	err = s.db.QueryRow(`
		SELECT available_mb FROM credit_balances
		WHERE user_id = $1 AND wallet_address = $2`,
		userID, walletAddress).Scan(&availableMB)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	stats.AvgDailyMB = float64(usedMB) / float64(sinceDays)
	if stats.AvgDailyMB > 0 {
		days := float64(availableMB) / stats.AvgDailyMB
		stats.EstimatedDaysRemaining = &days
	}
	return stats, nil
}
