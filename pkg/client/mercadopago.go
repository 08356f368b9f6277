package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultMercadoPagoURL = "https://api.mercadopago.com"

// Payment is the provider's authoritative payment record, reduced to the
// fields reconciliation reads.
type Payment struct {
	ID                int64          `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	ExternalReference string         `json:"external_reference"`
	PaymentMethodID   string         `json:"payment_method_id"`
	PaymentTypeID     string         `json:"payment_type_id"`
	TransactionAmount float64        `json:"transaction_amount"`
	Payer             Payer          `json:"payer"`
	AdditionalInfo    AdditionalInfo `json:"additional_info"`
}

type Payer struct {
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	Email          string         `json:"email"`
	Phone          Phone          `json:"phone"`
	Identification Identification `json:"identification"`
	Address        Address        `json:"address"`
}

type Phone struct {
	AreaCode string `json:"area_code"`
	Number   string `json:"number"`
}

type Identification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type Address struct {
	StreetName   string `json:"street_name"`
	StreetNumber string `json:"street_number"`
	ZipCode      string `json:"zip_code"`
}

type AdditionalInfo struct {
	Items []PaymentItem `json:"items"`
}

// MercadoPago sends quantity/unit_price as strings in additional_info.
type PaymentItem struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Quantity  json.Number `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
}

type MercadoPagoConfig struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string

	// FetchPolicy overrides the not-found retry schedule (tests shrink it).
	FetchPolicy retry.Policy
	HTTPClient  *http.Client
}

type MercadoPago struct {
	baseURL       string
	accessToken   string
	webhookSecret string
	fetchPolicy   retry.Policy
	httpClient    *http.Client
	log           *logrus.Logger
}

func NewMercadoPago(cfg MercadoPagoConfig, log *logrus.Logger) *MercadoPago {
	c := &MercadoPago{
		baseURL:       cfg.BaseURL,
		accessToken:   cfg.AccessToken,
		webhookSecret: cfg.WebhookSecret,
		fetchPolicy:   cfg.FetchPolicy,
		httpClient:    cfg.HTTPClient,
		log:           log,
	}
	if c.baseURL == "" {
		c.baseURL = defaultMercadoPagoURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.fetchPolicy.MaxAttempts == 0 {
		// 404 usually means the record is not visible yet on the provider
		// side. Wait 2s, 4s, 8s before giving up.
		c.fetchPolicy = retry.Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, Multiplier: 2}
	}
	return c
}

// GetPayment looks the payment up by id, retrying only on provider 404.
// Exhaustion and every other error propagate to the caller unchanged.
func (c *MercadoPago) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	return retry.Do(ctx, c.fetchPolicy, retry.IsNotFound, func(attempt int) (*Payment, error) {
		if attempt > 1 {
			c.log.Warnf("[MercadoPago] Payment %s not visible yet, refetching (attempt %d/%d)", paymentID, attempt, c.fetchPolicy.MaxAttempts)
		}
		return c.getPayment(ctx, paymentID)
	})
}

func (c *MercadoPago) getPayment(ctx context.Context, paymentID string) (*Payment, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, paymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build payment lookup request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "payment lookup %s", paymentID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read payment lookup response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var payment Payment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, errors.Wrapf(err, "decode payment %s", paymentID)
	}
	return &payment, nil
}

// VerifyWebhookSignature checks the x-signature header against the HMAC of
// the manifest MercadoPago documents: "id:{id};request-id:{rid};ts:{ts}".
// A missing secret or a malformed header fails closed.
func (c *MercadoPago) VerifyWebhookSignature(signatureHeader, requestID, paymentID string) bool {
	if c.webhookSecret == "" {
		return false
	}

	var ts, expected string
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			expected = strings.TrimSpace(value)
		}
	}
	if ts == "" || expected == "" {
		return false
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s", paymentID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(manifest))
	digest := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(digest), []byte(expected))
}
