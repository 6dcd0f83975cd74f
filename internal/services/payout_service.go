package services

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/permastore/backend/internal/config"
	"github.com/permastore/backend/internal/models"
	"github.com/shopspring/decimal"
)

// PayoutInstruction is one seller payout waiting on the queue. Amounts
// are serialized as strings so no precision is lost in transit.
type PayoutInstruction struct {
	SettlementID  string          `json:"settlementId"`
	ListingID     string          `json:"listingId"`
	SellerUserID  string          `json:"sellerUserId"`
	SellerWallet  string          `json:"sellerWallet"`
	PayoutAddress string          `json:"payoutAddress"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
}

// PayoutService queues seller payouts on Redis and drains them into
// pacs.008 credit transfer messages for the payout rail.
type PayoutService struct {
	redis    *redis.Client
	queueKey string
}

func NewPayoutService(redisClient *redis.Client) *PayoutService {
	cfg := config.LoadMarketplaceConfig()
	return &PayoutService{
		redis:    redisClient,
		queueKey: cfg.PayoutQueueKey,
	}
}

// EnqueueSellerPayout pushes the seller leg of a completed settlement
// onto the payout queue.
func (p *PayoutService) EnqueueSellerPayout(ctx context.Context, settlement *models.Settlement, listing *models.Listing) error {
	instruction := PayoutInstruction{
		SettlementID:  settlement.ID,
		ListingID:     listing.ID,
		SellerUserID:  listing.SellerUserID,
		SellerWallet:  listing.SellerWallet,
		PayoutAddress: listing.PayoutAddress,
		Amount:        settlement.SellerPayment,
		Currency:      "USD",
		EnqueuedAt:    time.Now(),
	}

	payload, err := json.Marshal(instruction)
	if err != nil {
		return fmt.Errorf("failed to marshal payout instruction: %w", err)
	}

	// Redis may be down or unconfigured; the caller journals the lost
	// payout so reconciliation can replay it.
	if p.redis == nil {
		return fmt.Errorf("payout queue for settlement %s: %w", settlement.ID, ErrExternalServiceUnavailable)
	}

	if err := p.redis.LPush(ctx, p.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue payout for settlement %s: %w", settlement.ID, err)
	}

	log.Printf("[PAYOUT] Enqueued %s USD payout for settlement %s", instruction.Amount.StringFixed(2), settlement.ID)
	return nil
}

// QueueDepth reports how many payouts are waiting.
func (p *PayoutService) QueueDepth(ctx context.Context) (int64, error) {
	if p.redis == nil {
		return 0, ErrExternalServiceUnavailable
	}
	return p.redis.LLen(ctx, p.queueKey).Result()
}

// DispatchNext pops the oldest queued payout and renders its pacs.008
// message. Returns redis.Nil when the queue is empty.
func (p *PayoutService) DispatchNext(ctx context.Context) (*PayoutInstruction, string, error) {
	if p.redis == nil {
		return nil, "", ErrExternalServiceUnavailable
	}
	payload, err := p.redis.RPop(ctx, p.queueKey).Result()
	if err != nil {
		return nil, "", err
	}

	var instruction PayoutInstruction
	if err := json.Unmarshal([]byte(payload), &instruction); err != nil {
		return nil, "", fmt.Errorf("malformed payout instruction on queue: %w", err)
	}

	doc, err := p.buildPacs008(&instruction)
	if err != nil {
		// Put the instruction back so it is not lost on a render error.
		p.redis.RPush(ctx, p.queueKey, payload)
		return nil, "", err
	}

	xmlData, err := renderISO20022(doc)
	if err != nil {
		p.redis.RPush(ctx, p.queueKey, payload)
		return nil, "", err
	}

	log.Printf("[PAYOUT] Dispatched payout for settlement %s (%s USD to %s)",
		instruction.SettlementID, instruction.Amount.StringFixed(2), instruction.PayoutAddress)
	return &instruction, xmlData, nil
}

// DispatchLoop drains the queue until ctx is cancelled, polling when
// it runs empty.
func (p *PayoutService) DispatchLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[PAYOUT] Dispatch loop stopped")
			return
		case <-ticker.C:
			for {
				_, _, err := p.DispatchNext(ctx)
				if err == redis.Nil {
					break
				}
				if err != nil {
					log.Printf("[PAYOUT] Dispatch error: %v", err)
					break
				}
			}
		}
	}
}

// buildPacs008 renders a payout as a pacs.008 FIToFICustomerCreditTransfer.
// The platform is the debtor agent, the seller's payout address the creditor.
func (p *PayoutService) buildPacs008(instruction *PayoutInstruction) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgID := uuid.New().String()
	now := time.Now()
	amount, _ := instruction.Amount.Float64()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(instruction.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(instruction.SettlementID)}[0],
					EndToEndId: common.Max35Text(instruction.ListingID),
					TxId:       &[]common.Max35Text{common.Max35Text(instruction.SettlementID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(instruction.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&now),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("PERMSTOR")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("Permastore Marketplace")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(instruction.SellerWallet),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(instruction.PayoutAddress)}[0],
				},
			},
		},
	}

	return doc, nil
}

func renderISO20022(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// HandleQueueStatus reports payout queue depth
// @Summary Payout queue status
// @Tags payouts
// @Produce json
// @Success 200 {object} object{queued=int64}
// @Router /payouts/queue [get]
func (p *PayoutService) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := p.QueueDepth(r.Context())
	if err != nil {
		SendErrorResponse(w, "Failed to read payout queue", http.StatusServiceUnavailable, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"queued": depth})
}
