package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Gateway defaults
const (
	DefaultGatewayTimeout    = 30 * time.Second
	DefaultGatewayRetryCount = 2
)

// HTTPGateway starts payments against a JSON payment provider.
// It posts to <base>/payments and expects
// {"success", "reference", "redirect_url", "error"} back.
type HTTPGateway struct {
	client      *resty.Client
	callbackURL string
}

var _ flow.PaymentGateway = (*HTTPGateway)(nil)

// GatewayOption configures an HTTPGateway.
type GatewayOption func(*HTTPGateway)

// WithGatewayAPIKey sends key as a bearer token.
func WithGatewayAPIKey(key string) GatewayOption {
	return func(g *HTTPGateway) {
		if key != "" {
			g.client.SetAuthToken(key)
		}
	}
}

// WithGatewayCallbackURL sets the URL the provider reports outcomes to.
func WithGatewayCallbackURL(url string) GatewayOption {
	return func(g *HTTPGateway) { g.callbackURL = url }
}

// WithGatewayTimeout overrides the request timeout.
func WithGatewayTimeout(d time.Duration) GatewayOption {
	return func(g *HTTPGateway) { g.client.SetTimeout(d) }
}

// NewHTTPGateway builds a gateway for the provider at baseURL.
func NewHTTPGateway(baseURL string, opts ...GatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(DefaultGatewayTimeout).
			SetRetryCount(DefaultGatewayRetryCount).
			SetRetryWaitTime(500 * time.Millisecond).
			SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type initiateRequest struct {
	Reference   string  `json:"reference"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Method      string  `json:"method,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Email       string  `json:"email,omitempty"`
	Description string  `json:"description"`
	CallbackURL string  `json:"callback_url,omitempty"`
}

// InitiatePayment asks the provider to start payment. A provider that
// answers with an error status yields an unsuccessful initiation rather
// than an error; transport failures are errors.
func (g *HTTPGateway) InitiatePayment(ctx context.Context, payment *models.Payment, req models.PaymentRequest) (models.PaymentInitiation, error) {
	var (
		result  models.PaymentInitiation
		failure models.PaymentInitiation
	)
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(initiateRequest{
			Reference:   payment.ID,
			Amount:      payment.Amount,
			Currency:    payment.Currency,
			Method:      req.PaymentMethod,
			Phone:       req.Phone,
			Email:       req.Email,
			Description: fmt.Sprintf("%s contribution", payment.PaymentType),
			CallbackURL: g.callbackURL,
		}).
		SetResult(&result).
		SetError(&failure).
		Post("/payments")
	if err != nil {
		slog.Error("HTTPGateway.InitiatePayment: request failed", "payment", payment.ID, "error", err)
		return models.PaymentInitiation{}, fmt.Errorf("payment gateway request: %w", err)
	}
	if resp.IsError() {
		if failure.Error == "" {
			failure.Error = fmt.Sprintf("payment provider returned %s", resp.Status())
		}
		failure.Success = false
		slog.Warn("HTTPGateway.InitiatePayment: declined", "payment", payment.ID, "status", resp.StatusCode(), "error", failure.Error)
		return failure, nil
	}
	if result.PaymentID == "" {
		result.PaymentID = payment.ID
	}
	slog.Debug("HTTPGateway.InitiatePayment: started", "payment", payment.ID, "reference", result.Reference, "success", result.Success)
	return result, nil
}
