package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ChargeRequest describes one hosted payment charge.
type ChargeRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	// PayoutAddress routes the seller-payment leg of a P2P sale; empty
	// for charges payable to the platform.
	PayoutAddress string
	Metadata      map[string]string
}

// Charge is the provider's handle for a created charge.
type Charge struct {
	ChargeID  string `json:"chargeId"`
	HostedURL string `json:"hostedUrl"`
}

type ChargeTimelineEvent struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

type ChargeStatus struct {
	ChargeID      string                `json:"chargeId"`
	CurrentStatus string                `json:"currentStatus"`
	Timeline      []ChargeTimelineEvent `json:"timeline"`
}

// ChargeProvider is the external payment-charge collaborator.
type ChargeProvider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetCharge(ctx context.Context, chargeID string) (*ChargeStatus, error)
}

// ChargeConfirmed scans the full status timeline for a confirmed event.
// Checking only the latest status is not enough: the provider can
// report a later non-terminal status after a transient CONFIRMED.
func ChargeConfirmed(status *ChargeStatus) bool {
	for _, event := range status.Timeline {
		switch event.Status {
		case "CONFIRMED", "COMPLETED", "RESOLVED":
			return true
		}
	}
	return false
}

// CommerceClient talks to the hosted charge provider's REST API.
type CommerceClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewCommerceClient() *CommerceClient {
	viper.SetDefault("payments.base_url", "https://api.commerce.example.com")
	viper.SetDefault("payments.timeout_seconds", 15)

	return &CommerceClient{
		httpClient: &http.Client{
			Timeout: time.Duration(viper.GetInt("payments.timeout_seconds")) * time.Second,
		},
		baseURL: viper.GetString("payments.base_url"),
		apiKey:  viper.GetString("payments.api_key"),
	}
}

// CreateCharge registers a hosted charge. It is never retried here: the
// idempotency key lets a caller safely re-issue the same request after
// a network error without risking a duplicate charge.
func (c *CommerceClient) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	payload := map[string]any{
		"name":        req.Description,
		"pricing_type": "fixed_price",
		"local_price": map[string]string{
			"amount":   req.Amount.StringFixed(2),
			"currency": req.Currency,
		},
		"metadata":        req.Metadata,
		"idempotency_key": uuid.New().String(),
	}
	if req.PayoutAddress != "" {
		payload["payout_address"] = req.PayoutAddress
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-CC-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[PAYMENTS] Create charge request failed: %v", err)
		return nil, fmt.Errorf("create charge: %v: %w", err, ErrExternalServiceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("[PAYMENTS] Create charge returned status %d", resp.StatusCode)
		return nil, fmt.Errorf("create charge returned status %d: %w", resp.StatusCode, ErrExternalServiceUnavailable)
	}

	var result struct {
		Data struct {
			ID        string `json:"id"`
			HostedURL string `json:"hosted_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode charge response: %v: %w", err, ErrExternalServiceUnavailable)
	}
	return &Charge{ChargeID: result.Data.ID, HostedURL: result.Data.HostedURL}, nil
}

// GetCharge fetches a charge's status timeline. Read-only, retried with
// bounded attempts.
func (c *CommerceClient) GetCharge(ctx context.Context, chargeID string) (*ChargeStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("charge lookup cancelled: %w", ErrExternalServiceUnavailable)
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}

		status, err := c.getCharge(ctx, chargeID)
		if err == nil {
			return status, nil
		}
		lastErr = err
		log.Printf("[PAYMENTS] Get charge %s failed (attempt %d): %v", chargeID, attempt, err)
	}
	return nil, fmt.Errorf("get charge %s: %v: %w", chargeID, lastErr, ErrExternalServiceUnavailable)
}

func (c *CommerceClient) getCharge(ctx context.Context, chargeID string) (*ChargeStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/charges/"+chargeID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-CC-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			ID       string `json:"id"`
			Timeline []struct {
				Status string    `json:"status"`
				Time   time.Time `json:"time"`
			} `json:"timeline"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	status := &ChargeStatus{ChargeID: result.Data.ID}
	for _, event := range result.Data.Timeline {
		status.Timeline = append(status.Timeline, ChargeTimelineEvent(event))
	}
	if n := len(status.Timeline); n > 0 {
		status.CurrentStatus = status.Timeline[n-1].Status
	}
	return status, nil
}
