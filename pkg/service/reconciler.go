package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/client"
	"github.com/Orbitado/flexigom-orders/pkg/model"
	"github.com/Orbitado/flexigom-orders/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Invoicer is the downstream collaborator triggered once a payment lands on
// "approved". The reconciler only starts it, never observes its outcome.
type Invoicer interface {
	CreateForOrder(ctx context.Context, order *model.Order) error
}

type Reconciler struct {
	repo     repository.OrderRepo
	invoicer Invoicer
	log      *logrus.Logger
}

func NewReconciler(repo repository.OrderRepo, invoicer Invoicer, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		invoicer: invoicer,
		log:      log,
	}
}

// Reconcile upserts the order addressed by the payment's merchant reference
// and appends one audit entry for this delivery. A payload with no reference
// cannot be attributed to any order and is dropped (nil, nil).
func (s *Reconciler) Reconcile(ctx context.Context, paymentID string, payment *client.Payment) (*model.Order, error) {
	ref := payment.ExternalReference
	if ref == "" {
		s.log.WithField("payment_id", paymentID).Warn("[Reconciler] Notification has no external_reference, dropping")
		return nil, nil
	}

	record := model.NotificationRecord{
		Timestamp:     time.Now(),
		PaymentID:     paymentID,
		Status:        payment.Status,
		PaymentMethod: paymentMethod(payment),
		Amount:        payment.TransactionAmount,
		CustomerEmail: payment.Payer.Email,
	}

	existing, err := s.repo.FindByExternalReference(ctx, ref)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(err, "lookup order %s", ref)
		}
		existing = nil
	}

	if existing == nil {
		created, err := s.createOrder(ctx, ref, paymentID, payment, record)
		if err == nil {
			s.maybeTriggerInvoice(created)
			return created, nil
		}
		if !repository.IsDuplicateEntry(err) {
			return nil, errors.Wrapf(err, "create order %s", ref)
		}
		// Another delivery for the same new reference won the insert. The
		// unique index is the arbiter; fall back to an update.
		s.log.WithField("external_reference", ref).Warn("[Reconciler] Concurrent create detected, falling back to update")
		existing, err = s.repo.FindByExternalReference(ctx, ref)
		if err != nil {
			return nil, errors.Wrapf(err, "refetch order %s after duplicate insert", ref)
		}
	}

	order, err := s.updateOrder(ctx, existing, paymentID, payment, record)
	if err != nil {
		return nil, err
	}

	s.maybeTriggerInvoice(order)
	return order, nil
}

func (s *Reconciler) updateOrder(ctx context.Context, existing *model.Order, paymentID string, payment *client.Payment, record model.NotificationRecord) (*model.Order, error) {
	notifications, err := appendNotification(existing.Notifications, record)
	if err != nil {
		return nil, errors.Wrapf(err, "extend notification trail for %s", existing.ExternalReference)
	}

	var payer model.Order
	applyPayer(&payer, payment.Payer)

	fields := map[string]interface{}{
		"payment_id":      paymentID,
		"payment_status":  payment.Status,
		"payment_method":  paymentMethod(payment),
		"amount":          payment.TransactionAmount,
		"customer_name":   payer.CustomerName,
		"customer_email":  payer.CustomerEmail,
		"customer_tax_id": payer.CustomerTaxID,
		"notifications":   notifications,
	}
	if payer.CustomerPhone != "" {
		fields["customer_phone"] = payer.CustomerPhone
	}
	if payer.CustomerAddress != "" {
		fields["customer_address"] = payer.CustomerAddress
	}

	if err := s.repo.UpdateFields(ctx, existing.ID, fields); err != nil {
		return nil, errors.Wrapf(err, "update order %s", existing.ExternalReference)
	}

	existing.PaymentID = paymentID
	existing.PaymentStatus = payment.Status
	existing.PaymentMethod = paymentMethod(payment)
	existing.Amount = payment.TransactionAmount
	existing.CustomerName = payer.CustomerName
	existing.CustomerEmail = payer.CustomerEmail
	existing.CustomerTaxID = payer.CustomerTaxID
	if payer.CustomerPhone != "" {
		existing.CustomerPhone = payer.CustomerPhone
	}
	if payer.CustomerAddress != "" {
		existing.CustomerAddress = payer.CustomerAddress
	}
	existing.Notifications = notifications

	s.log.WithFields(logrus.Fields{
		"external_reference": existing.ExternalReference,
		"payment_id":         paymentID,
		"payment_status":     payment.Status,
	}).Info("[Reconciler] Order updated")
	return existing, nil
}

func (s *Reconciler) createOrder(ctx context.Context, ref, paymentID string, payment *client.Payment, record model.NotificationRecord) (*model.Order, error) {
	notifications, err := appendNotification(nil, record)
	if err != nil {
		return nil, errors.Wrap(err, "encode notification trail")
	}

	order := &model.Order{
		ExternalReference: ref,
		PaymentID:         paymentID,
		PaymentStatus:     payment.Status,
		PaymentMethod:     paymentMethod(payment),
		Amount:            payment.TransactionAmount,
		DuxInvoiceStatus:  model.InvoiceStatusPending,
		Items:             orderItems(payment.AdditionalInfo.Items),
		Notifications:     notifications,
	}
	applyPayer(order, payment.Payer)

	if err := s.repo.Insert(ctx, order); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"external_reference": ref,
		"payment_id":         paymentID,
		"payment_status":     payment.Status,
	}).Info("[Reconciler] Order created")
	return order, nil
}

func (s *Reconciler) maybeTriggerInvoice(order *model.Order) {
	if order.PaymentStatus != model.PaymentStatusApproved {
		s.log.WithFields(logrus.Fields{
			"external_reference": order.ExternalReference,
			"payment_status":     order.PaymentStatus,
		}).Info("[Reconciler] Payment not approved, skipping invoice creation")
		return
	}

	// Detached on purpose: the payment already succeeded, so an invoicing
	// failure is recorded on the order and never rolled back or re-raised.
	go func(order *model.Order) {
		ctx := context.Background()
		if err := s.invoicer.CreateForOrder(ctx, order); err != nil {
			s.log.WithFields(logrus.Fields{
				"external_reference": order.ExternalReference,
				"error":              err.Error(),
			}).Error("[Reconciler] Invoice creation failed")
		}
	}(order)
}

func paymentMethod(payment *client.Payment) string {
	if payment.PaymentMethodID != "" {
		return payment.PaymentMethodID
	}
	return payment.PaymentTypeID
}

func applyPayer(order *model.Order, payer client.Payer) {
	name := strings.TrimSpace(payer.FirstName + " " + payer.LastName)
	if name == "" {
		name = model.PlaceholderCustomerName
	}
	order.CustomerName = name
	order.CustomerEmail = payer.Email
	order.CustomerTaxID = payer.Identification.Number

	if payer.Phone.Number != "" {
		order.CustomerPhone = strings.TrimSpace(payer.Phone.AreaCode + " " + payer.Phone.Number)
	}
	if payer.Address.StreetName != "" {
		address := strings.TrimSpace(payer.Address.StreetName + " " + payer.Address.StreetNumber)
		if payer.Address.ZipCode != "" {
			address += ", " + payer.Address.ZipCode
		}
		order.CustomerAddress = address
	}
}

func orderItems(items []client.PaymentItem) []model.OrderItem {
	converted := make([]model.OrderItem, 0, len(items))
	for _, item := range items {
		quantity, _ := item.Quantity.Int64()
		price, _ := item.UnitPrice.Float64()
		converted = append(converted, model.OrderItem{
			SKU:       item.ID,
			Title:     item.Title,
			Quantity:  int32(quantity),
			UnitPrice: price,
		})
	}
	return converted
}

func appendNotification(raw datatypes.JSON, record model.NotificationRecord) (datatypes.JSON, error) {
	var trail []model.NotificationRecord
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &trail); err != nil {
			return nil, err
		}
	}
	trail = append(trail, record)
	encoded, err := json.Marshal(trail)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}
