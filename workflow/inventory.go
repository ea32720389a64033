package workflow

import (
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/kaspi_backend/models"
	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

// GetStockQuantity reads the on-hand quantity of a product at a location.
// Both resolve by natural key (SKU, location name) with all three rows
// active; no matching row reads as 0. With forUpdate the inventory row is
// locked until the caller's transaction ends, so read-modify-write cycles
// can't interleave.
func GetStockQuantity(tx *gorm.DB, productCode string, locationName string, forUpdate bool) (int, error) {
	query := tx.Model(&models.StockInventory{}).
		Joins("JOIN products ON products.id = stock_inventory.product_id AND products.sku = ? AND products.is_active = ?", productCode, true).
		Joins("JOIN stock_locations ON stock_locations.id = stock_inventory.stock_location_id AND stock_locations.name = ? AND stock_locations.is_active = ?", locationName, true).
		Where("stock_inventory.is_active = ?", true)
	if forUpdate && tx.Dialector.Name() != "sqlite" {
		// sqlite has no row locks; its single writer already serializes.
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var quantities []int
	if err := query.Limit(1).Pluck("stock_inventory.quantity", &quantities).Error; err != nil {
		return 0, err
	}
	if len(quantities) == 0 {
		return 0, nil
	}
	return quantities[0], nil
}

// SetStockQuantity writes an absolute quantity for a product at a location.
// A negative quantity, or a missing/inactive product, location or inventory
// row, is rejected with a warning and no write; the caller's transaction
// stays usable. Callers needing isolation must hold the row lock from
// GetStockQuantity(forUpdate=true) in the same transaction.
func SetStockQuantity(tx *gorm.DB, logger *logrus.Logger, productCode string, locationName string, newQuantity int) error {
	fields := logrus.Fields{
		"product_code": productCode,
		"location":     locationName,
		"quantity":     newQuantity,
	}

	if newQuantity < 0 {
		logger.WithFields(fields).Warn("refusing to write negative stock quantity")
		return nil
	}

	var location models.StockLocation
	err := tx.Where("name = ? AND is_active = ?", locationName, true).First(&location).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(fields).Warn("stock location missing or inactive; quantity not written")
			return nil
		}
		return err
	}

	productId, err := models.FindProductId(tx, productCode)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			logger.WithFields(fields).Warn("product missing or inactive; quantity not written")
			return nil
		}
		return err
	}

	result := tx.Model(&models.StockInventory{}).
		Where("product_id = ? AND stock_location_id = ? AND is_active = ?", productId, location.ID, true).
		Update("quantity", newQuantity)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		logger.WithFields(fields).Warn("inventory row missing or inactive; quantity not written")
	}
	return nil
}
