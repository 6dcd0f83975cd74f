package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"image/png"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// CheckoutQRService renders hosted payment URLs as QR codes so a buyer
// can finish checkout on another device. Rendered images are cached in
// Redis keyed by purchase ID.
type CheckoutQRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewCheckoutQRService(db *sql.DB, redisClient *redis.Client) *CheckoutQRService {
	return &CheckoutQRService{
		db:    db,
		redis: redisClient,
	}
}

// CheckoutQR returns a base64 PNG QR code pointing at the hosted
// payment page for a pending purchase. The caller must own the
// purchase.
func (s *CheckoutQRService) CheckoutQR(ctx context.Context, userID, purchaseID string) (string, error) {
	// The cache is best effort; without Redis every request renders.
	key := fmt.Sprintf("checkout_qr:%s:%s", userID, purchaseID)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			return cached, nil
		}
	}

	var ownerID, hostedURL, status string
	err := s.db.QueryRow(`SELECT user_id, hosted_url, status FROM storage_purchases WHERE id = $1`, purchaseID).
		Scan(&ownerID, &hostedURL, &status)
	if err != nil {
		return "", err
	}
	if ownerID != userID {
		return "", NewValidationError("purchase %s does not belong to the caller", purchaseID)
	}
	if status != "PENDING" {
		return "", ErrAlreadyCompleted
	}
	if hostedURL == "" {
		return "", NewValidationError("purchase %s has no hosted payment page", purchaseID)
	}

	image, err := s.renderPNG(hostedURL)
	if err != nil {
		return "", err
	}

	// Cache for the life of a typical checkout session; the hosted URL
	// itself stays valid at the provider.
	if s.redis != nil {
		if err := s.redis.Set(ctx, key, image, 15*time.Minute).Err(); err != nil {
			log.Printf("[QR] Failed to cache checkout QR for purchase %s: %v", purchaseID, err)
		}
	}

	return image, nil
}

func (s *CheckoutQRService) renderPNG(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
