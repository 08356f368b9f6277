package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// InvoiceRequest is the payload POSTed to the Dux ERP. The contract is still
// loosely typed on their side, so the struct stays flat and stringly.
type InvoiceRequest struct {
	Cliente    InvoiceCustomer `json:"cliente"`
	Items      []InvoiceItem   `json:"items"`
	Referencia string          `json:"referencia"`
	Total      float64         `json:"total"`
	MedioPago  string          `json:"medioPago"`
}

type InvoiceCustomer struct {
	Nombre    string `json:"nombre"`
	Email     string `json:"email"`
	Telefono  string `json:"telefono,omitempty"`
	Cuit      string `json:"cuit,omitempty"`
	Domicilio string `json:"domicilio,omitempty"`
}

type InvoiceItem struct {
	Descripcion string  `json:"descripcion"`
	Cantidad    int32   `json:"cantidad"`
	Precio      float64 `json:"precio"`
}

// InvoiceResult carries whatever could be extracted from the Dux response.
// SchemaKnown is false when no recognizable id field was present; Raw always
// holds the verbatim body so nothing is lost while their schema is pinned
// down.
type InvoiceResult struct {
	ID          string
	Number      string
	Raw         []byte
	SchemaKnown bool
}

type DuxConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Dux is the ERP invoicing client, wrapped in a circuit breaker so a dead
// ERP does not pile up hung retries across orders.
type Dux struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	log        *logrus.Logger
}

func NewDux(cfg DuxConfig, log *logrus.Logger) *Dux {
	st := gobreaker.Settings{
		Name:        "DuxInvoicing",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}

	d := &Dux{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		cb:         gobreaker.NewCircuitBreaker(st),
		log:        log,
	}
	if d.timeout == 0 {
		d.timeout = 15 * time.Second
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{}
	}
	return d
}

func (d *Dux) CreateInvoice(ctx context.Context, req *InvoiceRequest) (*InvoiceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.cb.Execute(func() (interface{}, error) {
		return d.createInvoice(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*InvoiceResult), nil
}

func (d *Dux) createInvoice(ctx context.Context, invReq *InvoiceRequest) (*InvoiceResult, error) {
	payload, err := json.Marshal(invReq)
	if err != nil {
		return nil, errors.Wrap(err, "encode invoice payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/factura/nuevaFactura", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build invoice request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "invoice creation for %s", invReq.Referencia)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read invoice response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retry.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return d.parseInvoiceResponse(invReq.Referencia, body), nil
}

// Field names the Dux response has been observed to use for the invoice id
// and number. Their schema is still in discovery, hence the variants.
var (
	invoiceIDKeys     = []string{"id", "id_factura", "idFactura", "factura_id"}
	invoiceNumberKeys = []string{"numero", "numero_factura", "nroFactura", "numeroFactura", "comprobante"}
)

func (d *Dux) parseInvoiceResponse(reference string, body []byte) *InvoiceResult {
	result := &InvoiceResult{Raw: append([]byte(nil), body...)}

	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		d.log.WithFields(logrus.Fields{
			"reference": reference,
			"body":      string(body),
		}).Error("[Dux] Invoice response is not a JSON object")
		return result
	}

	result.ID = firstStringField(fields, invoiceIDKeys)
	result.Number = firstStringField(fields, invoiceNumberKeys)
	result.SchemaKnown = result.ID != ""

	if !result.SchemaKnown {
		// Unknown schema: log everything rather than guessing further.
		d.log.WithFields(logrus.Fields{
			"reference": reference,
			"body":      string(body),
		}).Error("[Dux] Invoice created but response carried no recognizable id field")
	}
	return result
}

func firstStringField(fields map[string]interface{}, keys []string) string {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		switch value := v.(type) {
		case string:
			if value != "" {
				return value
			}
		case float64:
			return fmt.Sprintf("%.0f", value)
		}
	}
	return ""
}
