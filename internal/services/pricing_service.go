package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/permastore/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const winstonPerToken = 1_000_000_000_000

// PricingService derives a per-MB cost in USD from two external feeds:
// the permanent-storage network fee feed (winston per byte count) and
// the token price feed. Stateless; pure reads.
//
// There is deliberately no cached or fallback price anywhere in here.
// A price that feeds a real purchase either comes from live feeds or
// the operation fails with ErrExternalServiceUnavailable.
type PricingService struct {
	httpClient    *http.Client
	storageFeeURL string
	tokenPriceURL string
	minPriceUSD   decimal.Decimal
}

func NewPricingService() *PricingService {
	viper.SetDefault("pricing.storage_fee_url", "https://arweave.net")
	viper.SetDefault("pricing.token_price_url", "https://api.coingecko.com/api/v3/simple/price?ids=arweave&vs_currencies=usd")
	viper.SetDefault("pricing.timeout_seconds", 10)
	viper.SetDefault("pricing.min_price_usd", "0.50")

	minPrice, err := decimal.NewFromString(viper.GetString("pricing.min_price_usd"))
	if err != nil {
		minPrice = decimal.NewFromFloat(0.50)
	}

	return &PricingService{
		httpClient: &http.Client{
			Timeout: time.Duration(viper.GetInt("pricing.timeout_seconds")) * time.Second,
		},
		storageFeeURL: strings.TrimRight(viper.GetString("pricing.storage_fee_url"), "/"),
		tokenPriceURL: viper.GetString("pricing.token_price_url"),
		minPriceUSD:   minPrice,
	}
}

// PriceFor quotes storageMB of permanent storage in USD. The returned
// FinalPrice is floored at the configured minimum so anything a user
// actually pays never drops below it.
func (s *PricingService) PriceFor(ctx context.Context, storageMB int64, marginPercent, discountPercent float64) (*models.PriceQuote, error) {
	if storageMB <= 0 {
		return nil, NewValidationError("storage amount must be positive, got %d MB", storageMB)
	}

	base, winston, rate, err := s.baseCost(ctx, storageMB)
	if err != nil {
		return nil, err
	}

	final := applyMarginAndDiscount(base, marginPercent, discountPercent)
	if final.LessThan(s.minPriceUSD) {
		final = s.minPriceUSD
	}

	gb := decimal.NewFromInt(storageMB).Div(decimal.NewFromInt(1024))
	return &models.PriceQuote{
		StorageMB:         storageMB,
		BaseCost:          base,
		FinalPrice:        final,
		PerGBPrice:        final.DivRound(gb, 6),
		TokenPriceUSD:     rate,
		NetworkFeeWinston: winston,
	}, nil
}

// MBForSpend back-solves a target USD spend to a storage amount, using
// the unfloored unit price so small targets do not collapse to zero.
func (s *PricingService) MBForSpend(ctx context.Context, spendUSD decimal.Decimal, marginPercent, discountPercent float64) (int64, error) {
	if spendUSD.LessThanOrEqual(decimal.Zero) {
		return 0, NewValidationError("target spend must be positive, got %s", spendUSD)
	}

	base, _, _, err := s.baseCost(ctx, 1024)
	if err != nil {
		return 0, err
	}
	perGB := applyMarginAndDiscount(base, marginPercent, discountPercent)
	if perGB.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("derived per-GB price is non-positive: %w", ErrExternalServiceUnavailable)
	}

	mb := spendUSD.DivRound(perGB, 9).Mul(decimal.NewFromInt(1024))
	return mb.IntPart(), nil
}

func (s *PricingService) baseCost(ctx context.Context, storageMB int64) (decimal.Decimal, int64, decimal.Decimal, error) {
	winston, err := s.costToStoreWinston(ctx, storageMB*1024*1024)
	if err != nil {
		return decimal.Zero, 0, decimal.Zero, err
	}
	rate, err := s.tokenPriceUSD(ctx)
	if err != nil {
		return decimal.Zero, 0, decimal.Zero, err
	}

	base := decimal.NewFromInt(winston).
		DivRound(decimal.NewFromInt(winstonPerToken), 12).
		Mul(rate)
	return base, winston, rate, nil
}

// costToStoreWinston asks the storage network what byteCount bytes cost
// in winston. The feed answers with a plain decimal integer body.
func (s *PricingService) costToStoreWinston(ctx context.Context, byteCount int64) (int64, error) {
	body, err := s.getWithRetry(ctx, fmt.Sprintf("%s/price/%d", s.storageFeeURL, byteCount))
	if err != nil {
		return 0, err
	}

	winston, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("storage fee feed returned non-numeric body %q: %w", string(body), ErrExternalServiceUnavailable)
	}
	if winston <= 0 {
		return 0, fmt.Errorf("storage fee feed returned non-positive fee %d: %w", winston, ErrExternalServiceUnavailable)
	}
	return winston, nil
}

// tokenPriceUSD fetches the current token-to-USD rate.
func (s *PricingService) tokenPriceUSD(ctx context.Context) (decimal.Decimal, error) {
	body, err := s.getWithRetry(ctx, s.tokenPriceURL)
	if err != nil {
		return decimal.Zero, err
	}

	rate, err := parseTokenPrice(body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token price feed: %v: %w", err, ErrExternalServiceUnavailable)
	}
	return rate, nil
}

// getWithRetry performs a bounded-attempt GET. Only used for read-only
// feed lookups, which are safe to retry.
func (s *PricingService) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("price lookup cancelled: %w", ErrExternalServiceUnavailable)
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("[PRICING] Feed request failed (attempt %d): %v", attempt, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("feed returned status %d", resp.StatusCode)
			log.Printf("[PRICING] Feed returned non-OK status %d (attempt %d)", resp.StatusCode, attempt)
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("price feed unreachable after retries: %v: %w", lastErr, ErrExternalServiceUnavailable)
}

// parseTokenPrice handles the feed's {"<token>":{"usd":<rate>}} shape.
func parseTokenPrice(body []byte) (decimal.Decimal, error) {
	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("non-JSON body %q", string(body))
	}
	for _, rates := range payload {
		if usd, ok := rates["usd"]; ok {
			if usd <= 0 {
				return decimal.Zero, fmt.Errorf("non-positive rate %v", usd)
			}
			return decimal.NewFromFloat(usd), nil
		}
	}
	return decimal.Zero, fmt.Errorf("no usd rate in body")
}

func applyMarginAndDiscount(base decimal.Decimal, marginPercent, discountPercent float64) decimal.Decimal {
	margin := decimal.NewFromFloat(1 + marginPercent/100)
	discount := decimal.NewFromFloat(1 - discountPercent/100)
	return base.Mul(margin).Mul(discount)
}
