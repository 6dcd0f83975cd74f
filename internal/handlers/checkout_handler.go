package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/permastore/backend/internal/services"
)

type CheckoutHandler struct {
	service *services.CheckoutQRService
}

func NewCheckoutHandler(service *services.CheckoutQRService) *CheckoutHandler {
	return &CheckoutHandler{service: service}
}

// CheckoutQR renders the hosted payment page of a purchase as a QR code
// @Summary Checkout QR code
// @Description Render the hosted payment URL of a pending purchase as a base64 PNG QR code
// @Tags purchases
// @Produce json
// @Security BearerAuth
// @Param purchaseId path string true "Purchase ID"
// @Success 200 {object} object{qrImage=string}
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /purchases/{purchaseId}/checkout-qr [get]
func (h *CheckoutHandler) CheckoutQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	image, err := h.service.CheckoutQR(r.Context(), userID, chi.URLParam(r, "purchaseId"))
	if err != nil {
		if err == sql.ErrNoRows {
			services.SendErrorResponse(w, "Purchase not found", http.StatusNotFound, nil)
			return
		}
		services.SendBusinessError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrImage": image,
	})
}
