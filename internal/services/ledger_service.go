package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/permastore/backend/internal/audit"
	"github.com/permastore/backend/internal/models"
)

// CreditLedgerService is the sole writer of credit balance rows. Every
// other component requests balance changes through it and never touches
// the columns directly.
//
// Reserved credits leave both total_mb and available_mb, so
// available = total - used holds after every operation; the escrowed
// megabytes reappear on the buyer's row at settlement or back on the
// seller's row at cancellation.
type CreditLedgerService struct {
	db      *sql.DB
	journal *JournalService
	audit   *audit.Logger
}

func NewCreditLedgerService(db *sql.DB, journal *JournalService, auditLogger *audit.Logger) *CreditLedgerService {
	return &CreditLedgerService{
		db:      db,
		journal: journal,
		audit:   auditLogger,
	}
}

// Deposit credits amountMB to the (user, wallet) balance.
func (s *CreditLedgerService) Deposit(userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.DepositTx(tx, userID, walletAddress, amountMB, entry)
	})
}

// Reserve escrows amountMB out of the spendable pool, failing with
// ErrInsufficientCredits and no mutation when the pool is too small.
func (s *CreditLedgerService) Reserve(userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.ReserveTx(tx, userID, walletAddress, amountMB, entry)
	})
}

// Release returns previously reserved credits to the spendable pool.
func (s *CreditLedgerService) Release(userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.ReleaseTx(tx, userID, walletAddress, amountMB, entry)
	})
}

// Consume spends amountMB against an upload.
func (s *CreditLedgerService) Consume(userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.ConsumeTx(tx, userID, walletAddress, amountMB, entry)
	})
}

func (s *CreditLedgerService) DepositTx(tx *sql.Tx, userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	if amountMB <= 0 {
		return NewValidationError("deposit amount must be positive, got %d MB", amountMB)
	}
	balance, err := s.lockBalance(tx, userID, walletAddress)
	if err != nil {
		return err
	}
	if err := s.updateBalance(tx, balance, balance.TotalMB+amountMB, balance.UsedMB, balance.AvailableMB+amountMB); err != nil {
		return err
	}
	return s.appendEntry(tx, userID, walletAddress, entry)
}

func (s *CreditLedgerService) ReserveTx(tx *sql.Tx, userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	if amountMB <= 0 {
		return NewValidationError("reserve amount must be positive, got %d MB", amountMB)
	}
	balance, err := s.lockBalance(tx, userID, walletAddress)
	if err != nil {
		return err
	}
	if balance.AvailableMB < amountMB {
		return ErrInsufficientCredits
	}
	if err := s.updateBalance(tx, balance, balance.TotalMB-amountMB, balance.UsedMB, balance.AvailableMB-amountMB); err != nil {
		return err
	}
	return s.appendEntry(tx, userID, walletAddress, entry)
}

func (s *CreditLedgerService) ReleaseTx(tx *sql.Tx, userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	if amountMB <= 0 {
		return NewValidationError("release amount must be positive, got %d MB", amountMB)
	}
	balance, err := s.lockBalance(tx, userID, walletAddress)
	if err != nil {
		return err
	}
	if err := s.updateBalance(tx, balance, balance.TotalMB+amountMB, balance.UsedMB, balance.AvailableMB+amountMB); err != nil {
		return err
	}
	return s.appendEntry(tx, userID, walletAddress, entry)
}

func (s *CreditLedgerService) ConsumeTx(tx *sql.Tx, userID, walletAddress string, amountMB int64, entry *models.JournalEntry) error {
	if amountMB <= 0 {
		return NewValidationError("consume amount must be positive, got %d MB", amountMB)
	}
	balance, err := s.lockBalance(tx, userID, walletAddress)
	if err != nil {
		return err
	}
	if balance.AvailableMB < amountMB {
		return ErrInsufficientCredits
	}
	if err := s.updateBalance(tx, balance, balance.TotalMB, balance.UsedMB+amountMB, balance.AvailableMB-amountMB); err != nil {
		return err
	}
	return s.appendEntry(tx, userID, walletAddress, entry)
}

// GetBalance reads the current balance without locking. A missing row
// reads as all-zero; rows are only created when credits first move.
func (s *CreditLedgerService) GetBalance(userID, walletAddress string) (*models.CreditBalance, error) {
	balance := &models.CreditBalance{UserID: userID, WalletAddress: walletAddress}
	err := s.db.QueryRow(`
		SELECT id, total_mb, used_mb, available_mb, version, updated_at
		FROM credit_balances
		WHERE user_id = $1 AND wallet_address = $2`,
		userID, walletAddress).Scan(
		&balance.ID, &balance.TotalMB, &balance.UsedMB, &balance.AvailableMB,
		&balance.Version, &balance.UpdatedAt)
	if err == sql.ErrNoRows {
		return balance, nil
	}
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (s *CreditLedgerService) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockBalance acquires the row lock for one (user, wallet) pair,
// creating a zeroed row first if none exists yet.
func (s *CreditLedgerService) lockBalance(tx *sql.Tx, userID, walletAddress string) (*models.CreditBalance, error) {
	balance := &models.CreditBalance{UserID: userID, WalletAddress: walletAddress}
	err := tx.QueryRow(`
		SELECT id, total_mb, used_mb, available_mb, version, updated_at
		FROM credit_balances
		WHERE user_id = $1 AND wallet_address = $2
		FOR UPDATE`, userID, walletAddress).Scan(
		&balance.ID, &balance.TotalMB, &balance.UsedMB, &balance.AvailableMB,
		&balance.Version, &balance.UpdatedAt)

	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`
			INSERT INTO credit_balances (user_id, wallet_address, total_mb, used_mb, available_mb, version, updated_at)
			VALUES ($1, $2, 0, 0, 0, 1, $3)
			ON CONFLICT (user_id, wallet_address) DO NOTHING`,
			userID, walletAddress, time.Now()); err != nil {
			return nil, err
		}
		err = tx.QueryRow(`
			SELECT id, total_mb, used_mb, available_mb, version, updated_at
			FROM credit_balances
			WHERE user_id = $1 AND wallet_address = $2
			FOR UPDATE`, userID, walletAddress).Scan(
			&balance.ID, &balance.TotalMB, &balance.UsedMB, &balance.AvailableMB,
			&balance.Version, &balance.UpdatedAt)
	}
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (s *CreditLedgerService) updateBalance(tx *sql.Tx, balance *models.CreditBalance, newTotal, newUsed, newAvailable int64) error {
	if newAvailable < 0 || newTotal < 0 || newUsed < 0 {
		return ErrInsufficientCredits
	}
	result, err := tx.Exec(`
		UPDATE credit_balances
		SET total_mb = $1, used_mb = $2, available_mb = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		newTotal, newUsed, newAvailable, time.Now(), balance.ID, balance.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for balance %s/%s", balance.UserID, balance.WalletAddress)
	}
	return nil
}

func (s *CreditLedgerService) appendEntry(tx *sql.Tx, userID, walletAddress string, entry *models.JournalEntry) error {
	if entry == nil {
		return fmt.Errorf("ledger mutation requires a journal entry")
	}
	entry.UserID = userID
	entry.WalletAddress = walletAddress
	if err := s.journal.AppendTx(tx, entry); err != nil {
		return err
	}
	s.audit.LogLedgerOp(string(entry.EntryType), "", userID+":"+walletAddress, entry.AmountMB, "SUCCESS")
	return nil
}
