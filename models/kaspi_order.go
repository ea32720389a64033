package models

import (
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

// ErrOrderAlreadyRecorded is returned by CreateOrderRecord when another
// writer persisted the same order first. Callers treat it as an
// idempotent no-op, not a failure.
var ErrOrderAlreadyRecorded = errors.New("order already recorded")

// KaspiOrder is the local record of a fulfilled marketplace order.
// Lifecycle truth stays with the marketplace; this row only tracks the
// flags the pipelines need (invoiced, canceled, returned).
type KaspiOrder struct {
	ID               int       `gorm:"primary_key" json:"id"`
	OrderId          string    `gorm:"size:100;uniqueIndex;not null" json:"order_id"`
	OrderCode        string    `gorm:"size:100;index" json:"order_code"`
	StockName        string    `gorm:"size:10" json:"stock_name"`
	Status           string    `gorm:"size:50" json:"status"`
	InvoiceGenerated bool      `gorm:"not null;default:false" json:"invoice_generated"`
	IsReturned       bool      `gorm:"not null;default:false" json:"is_returned"`
	IsCanceled       bool      `gorm:"not null;default:false;index" json:"is_canceled"`
	IsActive         *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// KaspiSoldProduct is one sold line item. Written once at fulfillment;
// only the waybill column changes afterwards.
type KaspiSoldProduct struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OrderId       string          `gorm:"size:100;index;not null" json:"order_id"`
	OrderCode     string          `gorm:"size:100;index" json:"order_code"`
	ProductCode   string          `gorm:"size:50;index;not null" json:"product_code"`
	ProductName   string          `gorm:"size:255" json:"product_name"`
	Quantity      int             `gorm:"not null;default:0" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(10,2);default:0" json:"price"`
	CustomerName  string          `gorm:"size:100" json:"customer_name"`
	CustomerPhone string          `gorm:"size:32" json:"customer_phone"`
	Waybill       string          `gorm:"size:512" json:"waybill"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// KaspiCanceledOrder is append-only: one row per reversed line item.
type KaspiCanceledOrder struct {
	ID          int       `gorm:"primary_key" json:"id"`
	OrderId     string    `gorm:"size:100;index;not null" json:"order_id"`
	OrderCode   string    `gorm:"size:100;index" json:"order_code"`
	ProductCode string    `gorm:"size:50" json:"product_code"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CustomerInfo is stamped onto every sold line item of an order.
type CustomerInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func OrderRecordExists(tx *gorm.DB, orderId string) (bool, error) {
	var count int64
	err := tx.Model(&KaspiOrder{}).
		Where("order_id = ?", orderId).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateOrderRecord persists the order header and all of its line items.
// A duplicate order_id maps to ErrOrderAlreadyRecorded so a concurrent
// writer losing the race can tell the benign case from a real failure.
// Runs inside the caller's transaction; nothing here commits.
func CreateOrderRecord(tx *gorm.DB, order *KaspiOrder, items []KaspiSoldProduct, customer CustomerInfo) error {
	if order.IsActive == nil {
		order.IsActive = utils.NewTrue()
	}
	if err := tx.Create(order).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrOrderAlreadyRecorded
		}
		return err
	}

	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].OrderId = order.OrderId
		items[i].OrderCode = order.OrderCode
		items[i].CustomerName = customer.Name
		items[i].CustomerPhone = customer.Phone
		if items[i].IsActive == nil {
			items[i].IsActive = utils.NewTrue()
		}
	}
	return tx.Create(&items).Error
}

func MarkOrderCanceled(tx *gorm.DB, orderId string) error {
	return tx.Model(&KaspiOrder{}).
		Where("order_id = ?", orderId).
		Update("is_canceled", true).Error
}

func MarkOrderReturned(tx *gorm.DB, orderId string) error {
	return tx.Model(&KaspiOrder{}).
		Where("order_id = ?", orderId).
		Update("is_returned", true).Error
}

func MarkOrderInvoiced(tx *gorm.DB, orderId string) error {
	return tx.Model(&KaspiOrder{}).
		Where("order_id = ?", orderId).
		Update("invoice_generated", true).Error
}

// IsOrderCanceled reports the is_canceled flag; a missing row reads as false.
func IsOrderCanceled(tx *gorm.DB, orderId string) (bool, error) {
	return orderFlag(tx, orderId, "is_canceled")
}

// IsOrderInvoiced reports the invoice_generated flag; a missing row reads as false.
func IsOrderInvoiced(tx *gorm.DB, orderId string) (bool, error) {
	return orderFlag(tx, orderId, "invoice_generated")
}

func orderFlag(tx *gorm.DB, orderId string, column string) (bool, error) {
	var flags []bool
	err := tx.Model(&KaspiOrder{}).
		Where("order_id = ?", orderId).
		Limit(1).
		Pluck(column, &flags).Error
	if err != nil {
		return false, err
	}
	if len(flags) == 0 {
		return false, nil
	}
	return flags[0], nil
}

// GetOrderCode returns the human order code, or "" for an unknown order.
func GetOrderCode(tx *gorm.DB, orderId string) (string, error) {
	var codes []string
	err := tx.Model(&KaspiOrder{}).
		Where("order_id = ?", orderId).
		Limit(1).
		Pluck("order_code", &codes).Error
	if err != nil {
		return "", err
	}
	if len(codes) == 0 {
		return "", nil
	}
	return codes[0], nil
}

// GetOrderStockLocation returns the location the order was fulfilled from.
// Reversals restore stock to this location, never to one resolved from the
// product alone. A missing row is utils.ErrorRecordNotFound.
func GetOrderStockLocation(tx *gorm.DB, orderId string) (string, error) {
	var order KaspiOrder
	err := tx.Select("stock_name").
		Where("order_id = ?", orderId).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", utils.ErrorRecordNotFound
		}
		return "", err
	}
	return order.StockName, nil
}

func ListSoldLineItems(tx *gorm.DB, orderId string) ([]KaspiSoldProduct, error) {
	var items []KaspiSoldProduct
	err := tx.Where("order_id = ? AND is_active = ?", orderId, true).
		Order("product_code").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SetWaybill writes the carrier waybill onto every line item of the order
// and returns how many rows it touched.
func SetWaybill(tx *gorm.DB, orderId string, waybill string) (int64, error) {
	result := tx.Model(&KaspiSoldProduct{}).
		Where("order_id = ?", orderId).
		Update("waybill", waybill)
	return result.RowsAffected, result.Error
}

// RecordCancellation appends one cancellation row for a reversed line item.
// It resolves order_code from the order row so the ledger stays queryable by
// code even for orders recorded before the code was known. Composable into
// the caller's transaction so the compensating stock restore commits with it.
func RecordCancellation(tx *gorm.DB, orderId string, productCode string) error {
	orderCode, err := GetOrderCode(tx, orderId)
	if err != nil {
		return err
	}
	record := KaspiCanceledOrder{
		OrderId:     orderId,
		OrderCode:   orderCode,
		ProductCode: productCode,
		IsActive:    utils.NewTrue(),
	}
	return tx.Create(&record).Error
}

// ListCancellationsSince returns cancellation rows created at or after the
// cutoff, newest first.
func ListCancellationsSince(tx *gorm.DB, cutoff time.Time) ([]KaspiCanceledOrder, error) {
	var records []KaspiCanceledOrder
	err := tx.Where("created_at >= ?", cutoff).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
