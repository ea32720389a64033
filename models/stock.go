package models

import (
	"time"
)

// StockLocation is a named inventory bucket. Names are short codes
// matching the trailing characters of Kaspi pickup-point ids.
type StockLocation struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:10;uniqueIndex;not null" json:"name"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockInventory holds the on-hand quantity of one product at one location.
// Quantity never goes negative; every write happens under a row lock inside
// the caller's transaction.
type StockInventory struct {
	ID              int       `gorm:"primary_key" json:"id"`
	ProductId       int       `gorm:"index;not null" json:"product_id"`
	StockLocationId int       `gorm:"index;not null" json:"stock_location_id"`
	Quantity        int       `gorm:"not null;default:0" json:"quantity"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StockInventory) TableName() string {
	return "stock_inventory"
}
