package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/model"
	"github.com/go-sql-driver/mysql"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderRepo interface {
	FindByExternalReference(ctx context.Context, ref string) (*model.Order, error)
	Insert(ctx context.Context, order *model.Order) error
	UpdateFields(ctx context.Context, orderID uint, fields map[string]interface{}) error
	SetInvoiceAttempt(ctx context.Context, orderID uint, attempt int) error
	SetInvoiceFailure(ctx context.Context, orderID uint, attempts int, errMsg string) error
	SetInvoiceCreated(ctx context.Context, orderID uint, invoiceID, invoiceNumber string, raw []byte) error
}

type mysqlRepo struct {
	db *gorm.DB
}

func NewOrderRepo(db *gorm.DB) OrderRepo {
	return &mysqlRepo{db: db}
}

func (r *mysqlRepo) FindByExternalReference(ctx context.Context, ref string) (*model.Order, error) {
	var order model.Order
	if err := r.db.WithContext(ctx).Preload("Items").Where("external_reference = ?", ref).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *mysqlRepo) Insert(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{FullSaveAssociations: true}).Create(order).Error
}

// UpdateFields applies a reconciler-built column set to one order. Zero
// affected rows is not an error: MySQL reports 0 when every value already
// matches, so it cannot distinguish a no-op update from a missing order.
func (r *mysqlRepo) UpdateFields(ctx context.Context, orderID uint, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", orderID).Updates(fields).Error
}

// SetInvoiceAttempt is written before each Dux call so the order's visible
// state reflects in-flight retry progress.
func (r *mysqlRepo) SetInvoiceAttempt(ctx context.Context, orderID uint, attempt int) error {
	return r.UpdateFields(ctx, orderID, map[string]interface{}{
		"dux_invoice_status":   model.InvoiceStatusRetrying,
		"dux_invoice_attempts": attempt,
	})
}

func (r *mysqlRepo) SetInvoiceFailure(ctx context.Context, orderID uint, attempts int, errMsg string) error {
	return r.UpdateFields(ctx, orderID, map[string]interface{}{
		"dux_invoice_status":   model.InvoiceStatusFailed,
		"dux_invoice_attempts": attempts,
		"dux_invoice_error":    errMsg,
	})
}

func (r *mysqlRepo) SetInvoiceCreated(ctx context.Context, orderID uint, invoiceID, invoiceNumber string, raw []byte) error {
	now := time.Now()
	return r.UpdateFields(ctx, orderID, map[string]interface{}{
		"dux_invoice_status": model.InvoiceStatusCreated,
		"dux_invoice_id":     invoiceID,
		"dux_invoice_number": invoiceNumber,
		"dux_invoice_raw":    datatypes.JSON(raw),
		"dux_invoice_error":  "",
		"dux_invoiced_at":    &now,
	})
}

// IsDuplicateEntry reports a MySQL unique-constraint violation (error 1062).
// The reconciler treats it as "another delivery created the order first" and
// falls back to an update.
func IsDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
