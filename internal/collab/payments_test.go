package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestHTTPGatewayInitiatePayment(t *testing.T) {
	var got initiateRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		if got.Amount > 1000 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{"error": "amount over limit"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "reference": "PN-" + got.Reference, "redirect_url": "https://pay.example/" + got.Reference,
		})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL+"/", WithGatewayAPIKey("secret"), WithGatewayCallbackURL("https://church.example/api/payments/callback"))
	payment := &models.Payment{ID: "pay-1", Amount: 25, Currency: "USD", PaymentType: "tithe"}
	res, err := g.InitiatePayment(context.Background(), payment, models.PaymentRequest{PaymentMethod: "ecocash", Phone: "263771234567"})
	if err != nil {
		t.Fatalf("InitiatePayment failed: %v", err)
	}
	if !res.Success || res.Reference != "PN-pay-1" || res.PaymentID != "pay-1" {
		t.Errorf("Unexpected initiation %+v", res)
	}
	if auth != "Bearer secret" {
		t.Errorf("Expected bearer auth, got %q", auth)
	}
	if got.Method != "ecocash" || got.Description != "tithe contribution" || got.CallbackURL == "" {
		t.Errorf("Unexpected request %+v", got)
	}

	payment.Amount = 5000
	res, err = g.InitiatePayment(context.Background(), payment, models.PaymentRequest{})
	if err != nil {
		t.Fatalf("Expected a decline, not an error: %v", err)
	}
	if res.Success || res.Error != "amount over limit" {
		t.Errorf("Unexpected decline %+v", res)
	}
}

func TestHTTPGatewayTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewHTTPGateway(url)
	if _, err := g.InitiatePayment(context.Background(), &models.Payment{ID: "p"}, models.PaymentRequest{}); err == nil {
		t.Error("Expected an error for an unreachable provider")
	}
}
