package workflow

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bitbucket.org/mmdatafocus/kaspi_backend/models"
	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// openTestDB creates an in-memory SQLite DB shared by name, so each test
// gets an isolated schema. TranslateError makes duplicate-key failures
// surface as gorm.ErrDuplicatedKey like the MySQL driver does.
func openTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Product{},
		&models.StockLocation{},
		&models.StockInventory{},
		&models.KaspiOrder{},
		&models.KaspiSoldProduct{},
		&models.KaspiCanceledOrder{},
		&models.SyncRun{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedInventory(t *testing.T, db *gorm.DB, sku string, locationName string, qty int) {
	t.Helper()

	product := models.Product{Sku: sku, Model: "Model " + sku, IsActive: utils.NewTrue()}
	err := db.Where("sku = ?", sku).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(&product).Error; err != nil {
			t.Fatalf("seed product %s: %v", sku, err)
		}
	} else if err != nil {
		t.Fatalf("lookup product %s: %v", sku, err)
	}

	location := models.StockLocation{Name: locationName, IsActive: utils.NewTrue()}
	err = db.Where("name = ?", locationName).First(&location).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := db.Create(&location).Error; err != nil {
			t.Fatalf("seed location %s: %v", locationName, err)
		}
	} else if err != nil {
		t.Fatalf("lookup location %s: %v", locationName, err)
	}

	inv := models.StockInventory{
		ProductId:       product.ID,
		StockLocationId: location.ID,
		Quantity:        qty,
		IsActive:        utils.NewTrue(),
	}
	if err := db.Create(&inv).Error; err != nil {
		t.Fatalf("seed inventory %s@%s: %v", sku, locationName, err)
	}
}

func stockQty(t *testing.T, db *gorm.DB, sku string, locationName string) int {
	t.Helper()
	qty, err := GetStockQuantity(db, sku, locationName, false)
	if err != nil {
		t.Fatalf("read stock %s@%s: %v", sku, locationName, err)
	}
	return qty
}
