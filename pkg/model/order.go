package model

import (
	"time"

	"gorm.io/datatypes"
)

// Payment statuses as reported by MercadoPago.
const (
	PaymentStatusPending     = "pending"
	PaymentStatusApproved    = "approved"
	PaymentStatusRejected    = "rejected"
	PaymentStatusRefunded    = "refunded"
	PaymentStatusCancelled   = "cancelled"
	PaymentStatusInProcess   = "in_process"
	PaymentStatusInMediation = "in_mediation"
	PaymentStatusChargedBack = "charged_back"
)

// Invoice statuses tracked on the order while the Dux call is in flight.
const (
	InvoiceStatusPending  = "pending"
	InvoiceStatusRetrying = "retrying"
	InvoiceStatusCreated  = "created"
	InvoiceStatusFailed   = "failed"
)

// Customer name used when the payer carries no first/last name at all.
const PlaceholderCustomerName = "Cliente Flexigom"

type Order struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Merchant-assigned checkout reference. The reconciliation key: the UNIQUE
	// index is what makes the create-or-update race safe (duplicate-key 1062
	// falls back to update).
	ExternalReference string `gorm:"type:varchar(64);uniqueIndex" json:"external_reference"`

	PaymentID     string  `gorm:"type:varchar(64);index" json:"payment_id"`
	PaymentStatus string  `gorm:"type:varchar(32);index" json:"payment_status"`
	PaymentMethod string  `gorm:"type:varchar(64)" json:"payment_method"`
	Amount        float64 `gorm:"type:decimal(14,2)" json:"amount"`

	CustomerName    string `gorm:"type:varchar(255)" json:"customer_name"`
	CustomerEmail   string `gorm:"type:varchar(255)" json:"customer_email"`
	CustomerPhone   string `gorm:"type:varchar(64)" json:"customer_phone"`
	CustomerTaxID   string `gorm:"type:varchar(32)" json:"customer_tax_id"`
	CustomerAddress string `gorm:"type:varchar(255)" json:"customer_address"`

	DuxInvoiceID       string         `gorm:"type:varchar(64)" json:"dux_invoice_id"`
	DuxInvoiceNumber   string         `gorm:"type:varchar(64)" json:"dux_invoice_number"`
	DuxInvoiceStatus   string         `gorm:"type:varchar(32);default:pending" json:"dux_invoice_status"`
	DuxInvoiceAttempts int            `gorm:"type:int" json:"dux_invoice_attempts"`
	DuxInvoiceError    string         `gorm:"type:text" json:"dux_invoice_error"`
	DuxInvoiceRaw      datatypes.JSON `gorm:"type:json" json:"dux_invoice_raw"`
	DuxInvoicedAt      *time.Time     `json:"dux_invoiced_at"`

	// Append-only delivery audit trail, one entry per webhook received.
	Notifications datatypes.JSON `gorm:"type:json" json:"notifications"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OrderItem struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	OrderID   uint    `gorm:"index" json:"order_id"`
	SKU       string  `gorm:"type:varchar(64)" json:"sku"`
	Title     string  `gorm:"type:varchar(255)" json:"title"`
	Quantity  int32   `gorm:"type:int" json:"quantity"`
	UnitPrice float64 `gorm:"type:decimal(14,2)" json:"unit_price"`
}

// NotificationRecord is one element of Order.Notifications. Entries are only
// ever appended, never rewritten or deduplicated.
type NotificationRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	PaymentID     string    `json:"payment_id"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"payment_method"`
	Amount        float64   `json:"amount"`
	CustomerEmail string    `json:"customer_email"`
}

func (Order) TableName() string {
	return "orders"
}

func (OrderItem) TableName() string {
	return "order_items"
}
