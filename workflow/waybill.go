package workflow

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
)

// SaveWaybillLinks writes carrier waybills onto the line items of invoiced
// orders and returns the ids of orders actually updated plus the ids of
// orders that errored. Orders with no waybill yet, no local record, or no
// invoice are left alone; the carrier assigns waybills on its own schedule
// and a later pass will catch up.
func SaveWaybillLinks(ctx context.Context, db *gorm.DB, logger *logrus.Logger, orders []kaspifeed.Order) (updated []string, failed []string) {
	updated = []string{}
	failed = []string{}

	for _, order := range orders {
		if order.ID == "" {
			continue
		}
		waybill := strings.TrimSpace(order.Attributes.KaspiDelivery.Waybill)
		if waybill == "" {
			continue
		}

		dbCtx := db.WithContext(ctx)
		invoiced, err := models.IsOrderInvoiced(dbCtx, order.ID)
		if err != nil {
			config.LogError(logger, "workflow", "SaveWaybillLinks", "invoice check failed", order.ID, err)
			failed = append(failed, order.ID)
			continue
		}
		if !invoiced {
			// Includes orders with no local row: nothing to attach to.
			continue
		}

		rows, err := models.SetWaybill(dbCtx, order.ID, waybill)
		if err != nil {
			config.LogError(logger, "workflow", "SaveWaybillLinks", "waybill write failed", order.ID, err)
			failed = append(failed, order.ID)
			continue
		}
		if rows > 0 {
			updated = append(updated, order.ID)
		}
	}
	return updated, failed
}
