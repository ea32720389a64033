package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

type Product struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Sku       string          `gorm:"size:50;uniqueIndex;not null" json:"sku"`
	Model     string          `gorm:"size:100" json:"model"`
	Brand     string          `gorm:"size:15" json:"brand"`
	Price     decimal.Decimal `gorm:"type:decimal(10,2);default:0" json:"price"`
	Preorder  int             `gorm:"default:0" json:"preorder"`
	IsActive  *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindProductId resolves an active product by SKU.
// Returns utils.ErrorRecordNotFound when no active product carries it.
func FindProductId(tx *gorm.DB, sku string) (int, error) {
	var product Product
	err := tx.Select("id").
		Where("sku = ? AND is_active = ?", sku, true).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.ErrorRecordNotFound
		}
		return 0, err
	}
	return product.ID, nil
}
