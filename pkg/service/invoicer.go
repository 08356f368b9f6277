package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/client"
	"github.com/Orbitado/flexigom-orders/pkg/model"
	"github.com/Orbitado/flexigom-orders/pkg/repository"
	"github.com/Orbitado/flexigom-orders/pkg/retry"
	"github.com/sirupsen/logrus"
)

// DuxClient is the outbound half of invoice creation.
type DuxClient interface {
	CreateInvoice(ctx context.Context, req *client.InvoiceRequest) (*client.InvoiceResult, error)
}

type InvoiceService struct {
	repo   repository.OrderRepo
	dux    DuxClient
	policy retry.Policy
	log    *logrus.Logger
}

func NewInvoiceService(repo repository.OrderRepo, dux DuxClient, log *logrus.Logger) *InvoiceService {
	return &InvoiceService{
		repo: repo,
		dux:  dux,
		// Transient ERP failures get a fixed 5s pause between attempts.
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second, Multiplier: 1},
		log:    log,
	}
}

// WithPolicy overrides the retry schedule (tests shrink it).
func (s *InvoiceService) WithPolicy(policy retry.Policy) *InvoiceService {
	s.policy = policy
	return s
}

// CreateForOrder issues the Dux invoice for an already-approved payment. Each
// attempt persists its count on the order first, so the retry progress is
// observable even though the webhook caller is long gone.
func (s *InvoiceService) CreateForOrder(ctx context.Context, order *model.Order) error {
	req := buildInvoiceRequest(order)

	lastAttempt := 0
	result, err := retry.Do(ctx, s.policy, retry.DefaultRetryable, func(attempt int) (*client.InvoiceResult, error) {
		lastAttempt = attempt
		if err := s.repo.SetInvoiceAttempt(ctx, order.ID, attempt); err != nil {
			s.log.Warnf("[Invoicer] Could not persist attempt %d for order %s: %v", attempt, order.ExternalReference, err)
		}
		return s.dux.CreateInvoice(ctx, req)
	})
	if err != nil {
		summary := invoiceErrorSummary(err)
		if persistErr := s.repo.SetInvoiceFailure(ctx, order.ID, lastAttempt, summary); persistErr != nil {
			s.log.Errorf("[Invoicer] Could not record invoice failure for order %s: %v", order.ExternalReference, persistErr)
		}
		return err
	}

	if err := s.repo.SetInvoiceCreated(ctx, order.ID, result.ID, result.Number, result.Raw); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"external_reference": order.ExternalReference,
		"invoice_id":         result.ID,
		"invoice_number":     result.Number,
		"attempts":           lastAttempt,
		"schema_known":       result.SchemaKnown,
	}).Info("[Invoicer] Invoice created")
	return nil
}

func buildInvoiceRequest(order *model.Order) *client.InvoiceRequest {
	items := make([]client.InvoiceItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, client.InvoiceItem{
			Descripcion: item.Title,
			Cantidad:    item.Quantity,
			Precio:      item.UnitPrice,
		})
	}

	return &client.InvoiceRequest{
		Cliente: client.InvoiceCustomer{
			Nombre:    order.CustomerName,
			Email:     order.CustomerEmail,
			Telefono:  order.CustomerPhone,
			Cuit:      order.CustomerTaxID,
			Domicilio: order.CustomerAddress,
		},
		Items:      items,
		Referencia: order.ExternalReference,
		Total:      order.Amount,
		MedioPago:  order.PaymentMethod,
	}
}

// invoiceErrorSummary combines a user-facing explanation, categorized by the
// HTTP outcome, with the raw technical message for support.
func invoiceErrorSummary(err error) string {
	var category string
	switch status := retry.StatusCode(err); {
	case status == 0:
		category = "No se obtuvo respuesta del servicio de facturación"
	case status == 429:
		category = "El servicio de facturación limitó las solicitudes"
	case status >= 500:
		category = "El servicio de facturación no está disponible"
	default:
		category = "El servicio de facturación rechazó el comprobante"
	}
	return fmt.Sprintf("%s (detalle: %v)", category, err)
}
