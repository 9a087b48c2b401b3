package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/config"
)

// WebhookTolerance is how old a signed webhook may be before it is rejected
const WebhookTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature indicates the webhook signature header did not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrProcessorNotConfigured indicates no secret key was configured
	ErrProcessorNotConfigured = errors.New("payment processor not configured")
)

// ProcessorAPIError is the error body returned by the processor
type ProcessorAPIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ProcessorAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor returned status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("processor returned status %d: %s", e.StatusCode, e.Message)
}

// ProcessorClient talks to a Stripe compatible REST API using form encoded requests
type ProcessorClient struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	client        *http.Client
	logger        *logrus.Logger
}

// NewProcessorClient creates a new payment processor client
func NewProcessorClient(cfg config.PaymentConfig, logger *logrus.Logger) *ProcessorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProcessorClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// IsConfigured returns true if a secret key is present
func (c *ProcessorClient) IsConfigured() bool {
	return c.secretKey != ""
}

// ============================================================================
// API RESPONSES
// ============================================================================

type customerResponse struct {
	ID string `json:"id"`
}

type paymentIntentResponse struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Metadata     map[string]string `json:"metadata"`
	LatestCharge *struct {
		ID         string `json:"id"`
		ReceiptURL string `json:"receipt_url"`
	} `json:"latest_charge"`
}

type subscriptionResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	LatestInvoice *struct {
		ID            string                 `json:"id"`
		PaymentIntent *paymentIntentResponse `json:"payment_intent"`
	} `json:"latest_invoice"`
}

// ============================================================================
// PAYMENT PROCESSOR
// ============================================================================

// CreateCustomer registers the member at the processor and returns the customer id
func (c *ProcessorClient) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	form := url.Values{}
	form.Set("email", params.Email)
	if params.Name != "" {
		form.Set("name", params.Name)
	}
	form.Set("metadata[user_id]", params.UserID.String())

	var resp customerResponse
	if err := c.do(ctx, http.MethodPost, "/customers", form, &resp); err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return resp.ID, nil
}

// DeleteCustomer removes a customer
func (c *ProcessorClient) DeleteCustomer(ctx context.Context, customerID string) error {
	if err := c.do(ctx, http.MethodDelete, "/customers/"+url.PathEscape(customerID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	return nil
}

// CreatePaymentIntent creates a one-off charge the client confirms with the client secret
func (c *ProcessorClient) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("currency", params.Currency)
	if params.CustomerID != "" {
		form.Set("customer", params.CustomerID)
	}
	if params.Description != "" {
		form.Set("description", params.Description)
	}
	form.Set("automatic_payment_methods[enabled]", "true")
	for key, value := range params.Metadata {
		form.Set("metadata["+key+"]", value)
	}

	var resp paymentIntentResponse
	if err := c.do(ctx, http.MethodPost, "/payment_intents", form, &resp); err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"payment_intent": resp.ID,
		"amount_minor":   params.AmountMinor,
		"currency":       params.Currency,
	}).Info("Payment intent created")

	return &PaymentIntent{ID: resp.ID, ClientSecret: resp.ClientSecret, Status: resp.Status}, nil
}

// CreateSubscription starts an incomplete subscription whose first invoice the client pays
func (c *ProcessorClient) CreateSubscription(ctx context.Context, customerID, priceID string) (*ProcessorSubscription, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("items[0][price]", priceID)
	form.Set("payment_behavior", "default_incomplete")
	form.Add("expand[]", "latest_invoice.payment_intent")

	var resp subscriptionResponse
	if err := c.do(ctx, http.MethodPost, "/subscriptions", form, &resp); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	sub := &ProcessorSubscription{ID: resp.ID, Status: resp.Status}
	if resp.LatestInvoice != nil {
		sub.LatestInvoiceID = resp.LatestInvoice.ID
		if pi := resp.LatestInvoice.PaymentIntent; pi != nil {
			sub.PaymentIntentID = pi.ID
			sub.ClientSecret = pi.ClientSecret
		}
	}
	return sub, nil
}

// CancelSubscription cancels a subscription immediately
func (c *ProcessorClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil, nil); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return nil
}

// RetrievePaymentStatus returns the authoritative state of a payment intent
func (c *ProcessorClient) RetrievePaymentStatus(ctx context.Context, paymentRef string) (*PaymentStatusResult, error) {
	var resp paymentIntentResponse
	if err := c.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(paymentRef), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to retrieve payment intent: %w", err)
	}

	result := &PaymentStatusResult{Status: resp.Status, AmountMinor: resp.Amount, Metadata: resp.Metadata}
	if resp.LatestCharge != nil {
		result.TransactionID = resp.LatestCharge.ID
	}
	return result, nil
}

// CancelPaymentIntent cancels an intent so it can no longer be paid. The processor
// refuses once the intent has succeeded.
func (c *ProcessorClient) CancelPaymentIntent(ctx context.Context, paymentRef string) error {
	form := url.Values{}
	form.Set("cancellation_reason", "abandoned")

	path := "/payment_intents/" + url.PathEscape(paymentRef) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, form, nil); err != nil {
		return fmt.Errorf("failed to cancel payment intent: %w", err)
	}

	c.logger.WithField("payment_intent", paymentRef).Info("Payment intent cancelled")
	return nil
}

// RetrieveReceipt returns the receipt URL of the payment's charge, empty when there is none
func (c *ProcessorClient) RetrieveReceipt(ctx context.Context, paymentRef string) (string, error) {
	query := url.Values{}
	query.Add("expand[]", "latest_charge")

	var resp paymentIntentResponse
	path := "/payment_intents/" + url.PathEscape(paymentRef) + "?" + query.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to retrieve receipt: %w", err)
	}
	if resp.LatestCharge == nil {
		return "", nil
	}
	return resp.LatestCharge.ReceiptURL, nil
}

// do sends one request and decodes the JSON response into out (if not nil)
func (c *ProcessorClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if !c.IsConfigured() {
		return ErrProcessorNotConfigured
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call payment processor: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"path":        strings.SplitN(path, "?", 2)[0],
		"status_code": resp.StatusCode,
	}).Debug("Payment processor response received")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &ProcessorAPIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *ProcessorAPIError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// ============================================================================
// WEBHOOKS
// ============================================================================

// WebhookEvent is the envelope of a processor webhook
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// PaymentIntentEvent is the payment intent carried by a payment_intent.* webhook
type PaymentIntentEvent struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// Webhook event types the service reacts to
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
)

// VerifyWebhook checks the "t=...,v1=..." signature header over "t.payload" with
// HMAC-SHA256 and parses the event.
func (c *ProcessorClient) VerifyWebhook(payload []byte, signatureHeader string, now time.Time) (*WebhookEvent, error) {
	if c.webhookSecret == "" {
		return nil, ErrProcessorNotConfigured
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return nil, ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if age := now.Sub(time.Unix(unix, 0)); age > WebhookTolerance || age < -WebhookTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := SignWebhook(c.webhookSecret, timestamp, payload)
	valid := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return &event, nil
}

// PaymentIntent decodes the event object as a payment intent
func (e *WebhookEvent) PaymentIntent() (*PaymentIntentEvent, error) {
	var pi PaymentIntentEvent
	if err := json.Unmarshal(e.Data.Object, &pi); err != nil {
		return nil, fmt.Errorf("invalid payment intent object: %w", err)
	}
	return &pi, nil
}

// SignWebhook computes the hex HMAC-SHA256 signature of a webhook payload
func SignWebhook(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
