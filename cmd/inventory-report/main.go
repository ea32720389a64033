package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
)

type inventoryRow struct {
	Sku      string
	Model    string
	Location string
	Quantity int
	Price    decimal.Decimal
}

// Writes an xlsx snapshot of on-hand inventory plus the cancellations of
// the last N days, for the warehouse team's weekly stock check.
func main() {
	outFile := flag.String("out", "kaspi-inventory-report.xlsx", "Output file name")
	days := flag.Int("days", 30, "How many days of cancellations to include")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var rows []inventoryRow
	if err := db.Raw(`
SELECT
    products.sku,
    products.model,
    stock_locations.name AS location,
    stock_inventory.quantity,
    products.price
FROM
    stock_inventory
    JOIN products ON products.id = stock_inventory.product_id AND products.is_active = true
    JOIN stock_locations ON stock_locations.id = stock_inventory.stock_location_id AND stock_locations.is_active = true
WHERE
    stock_inventory.is_active = true
ORDER BY
    products.sku, stock_locations.name
`).Scan(&rows).Error; err != nil {
		fmt.Fprintf(os.Stderr, "inventory query: %v\n", err)
		os.Exit(1)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -*days)
	cancellations, err := models.ListCancellationsSince(db, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancellations query: %v\n", err)
		os.Exit(1)
	}

	f := excelize.NewFile()
	invSheet := "Inventory"
	if err := f.SetSheetName("Sheet1", invSheet); err != nil {
		fmt.Fprintf(os.Stderr, "rename sheet: %v\n", err)
		os.Exit(1)
	}

	// Add headers
	f.SetCellValue(invSheet, "A1", "SKU")
	f.SetCellValue(invSheet, "B1", "Model")
	f.SetCellValue(invSheet, "C1", "Location")
	f.SetCellValue(invSheet, "D1", "Quantity")
	f.SetCellValue(invSheet, "E1", "UnitPrice")
	f.SetCellValue(invSheet, "F1", "StockValue")

	// Add data
	totalQty := 0
	totalValue := decimal.Zero
	for i, d := range rows {
		value := d.Price.Mul(decimal.NewFromInt(int64(d.Quantity)))
		f.SetCellValue(invSheet, "A"+fmt.Sprint(i+2), d.Sku)
		f.SetCellValue(invSheet, "B"+fmt.Sprint(i+2), d.Model)
		f.SetCellValue(invSheet, "C"+fmt.Sprint(i+2), d.Location)
		f.SetCellValue(invSheet, "D"+fmt.Sprint(i+2), d.Quantity)
		f.SetCellValue(invSheet, "E"+fmt.Sprint(i+2), d.Price.String())
		f.SetCellValue(invSheet, "F"+fmt.Sprint(i+2), value.String())
		totalQty += d.Quantity
		totalValue = totalValue.Add(value)
	}
	totalRow := len(rows) + 3
	f.SetCellValue(invSheet, "A"+fmt.Sprint(totalRow), "TOTAL")
	f.SetCellValue(invSheet, "D"+fmt.Sprint(totalRow), totalQty)
	f.SetCellValue(invSheet, "F"+fmt.Sprint(totalRow), totalValue.String())

	cancelSheet := "Cancellations"
	if _, err := f.NewSheet(cancelSheet); err != nil {
		fmt.Fprintf(os.Stderr, "new sheet: %v\n", err)
		os.Exit(1)
	}
	f.SetCellValue(cancelSheet, "A1", "OrderId")
	f.SetCellValue(cancelSheet, "B1", "OrderCode")
	f.SetCellValue(cancelSheet, "C1", "ProductCode")
	f.SetCellValue(cancelSheet, "D1", "RecordedAt")
	for i, d := range cancellations {
		f.SetCellValue(cancelSheet, "A"+fmt.Sprint(i+2), d.OrderId)
		f.SetCellValue(cancelSheet, "B"+fmt.Sprint(i+2), d.OrderCode)
		f.SetCellValue(cancelSheet, "C"+fmt.Sprint(i+2), d.ProductCode)
		f.SetCellValue(cancelSheet, "D"+fmt.Sprint(i+2), d.CreatedAt.UTC().Format(time.RFC3339))
	}

	if err := f.SaveAs(*outFile); err != nil {
		fmt.Fprintf(os.Stderr, "save report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d inventory rows, %d cancellations since %s\n",
		*outFile, len(rows), len(cancellations), cutoff.Format("2006-01-02"))
}
