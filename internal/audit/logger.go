package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	ReferenceID  string    `json:"reference_id"`
	AccountKey   string    `json:"account_key"`
	AmountMB     int64     `json:"amount_mb"`
	AmountUSD    string    `json:"amount_usd,omitempty"`
	Status       string    `json:"status"`
	Details      any       `json:"details"`
}

// Logger emits structured audit events for every ledger-affecting
// operation. Constructed once at process start and injected, so tests
// can run against isolated instances.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogLedgerOp(op, referenceID, accountKey string, amountMB int64, status string) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   op,
		ReferenceID: referenceID,
		AccountKey:  accountKey,
		AmountMB:    amountMB,
		Status:      status,
	})
}

func (a *Logger) LogSettlement(settlementID, listingID, buyerKey, sellerKey string, amountMB int64, total decimal.Decimal, status string) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "SETTLEMENT",
		ReferenceID: settlementID,
		AccountKey:  buyerKey,
		AmountMB:    amountMB,
		AmountUSD:   total.StringFixed(2),
		Status:      status,
		Details: map[string]string{
			"listing_id": listingID,
			"seller":     sellerKey,
		},
	})
}

func (a *Logger) LogError(referenceID, accountKey string, err error) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		ReferenceID: referenceID,
		AccountKey:  accountKey,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	})
}

// LogCompensationFailure is the loudest path: a best-effort rollback
// itself failed and the ledger now needs manual reconciliation.
func (a *Logger) LogCompensationFailure(op, referenceID, accountKey string, err error) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "COMPENSATION_FAILED",
		ReferenceID: referenceID,
		AccountKey:  accountKey,
		Status:      "CRITICAL",
		Details: map[string]string{
			"operation": op,
			"error":     err.Error(),
		},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	if event.Status == "CRITICAL" {
		log.Printf("AUDIT-CRITICAL: %s", string(data))
		return
	}
	log.Printf("AUDIT: %s", string(data))
}
