package workflow

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

// CancelSingleOrder reverses a fulfilled order found in the archive: one
// compensating transaction per line item, then the canceled flag (and the
// returned flag for returned-archive orders).
//
// Orders never recorded locally, or already reversed, are idempotent
// no-ops. The flag flips only after every line item committed, so an
// interrupted reversal resumes on the next pass instead of stranding
// stock.
func CancelSingleOrder(ctx context.Context, db *gorm.DB, logger *logrus.Logger, order kaspifeed.Order, returned bool) (OrderOutcome, error) {
	if order.ID == "" {
		logger.Warn("archive order without id skipped")
		return OutcomeSkipped, nil
	}

	dbCtx := db.WithContext(ctx)
	exists, err := models.OrderRecordExists(dbCtx, order.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !exists {
		return OutcomeNoop, nil
	}

	canceled, err := models.IsOrderCanceled(dbCtx, order.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if canceled {
		return OutcomeNoop, nil
	}

	items, err := models.ListSoldLineItems(dbCtx, order.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if len(items) == 0 {
		logger.WithFields(runFields(ctx, logrus.Fields{"order_id": order.ID})).Warn("recorded order has no line items to reverse")
		return OutcomeNoop, nil
	}

	for _, item := range items {
		if err := reverseLineItem(ctx, db, logger, order.ID, item); err != nil {
			return OutcomeFailed, err
		}
	}

	if err := models.MarkOrderCanceled(dbCtx, order.ID); err != nil {
		return OutcomeFailed, err
	}
	if returned {
		if err := models.MarkOrderReturned(dbCtx, order.ID); err != nil {
			return OutcomeFailed, err
		}
	}
	return OutcomeFulfilled, nil
}

// reverseLineItem restores one line item's quantity in its own transaction,
// paired with the cancellation row so both commit or neither does; a guard
// hit (product gone, order already reversed) writes neither. The restore
// targets the location the order's own header names; a reversal must put
// stock back where fulfillment took it from.
func reverseLineItem(ctx context.Context, db *gorm.DB, logger *logrus.Logger, orderId string, item models.KaspiSoldProduct) error {
	return RetryWithBackoff(ctx, logger, "reverse line item", storageRetryPolicy(), func(ctx context.Context) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			stockName, err := models.GetOrderStockLocation(tx, orderId)
			if err != nil {
				return err
			}

			if _, err := models.FindProductId(tx, item.ProductCode); err != nil {
				if errors.Is(err, utils.ErrorRecordNotFound) {
					logger.WithFields(runFields(ctx, logrus.Fields{
						"order_id":     orderId,
						"product_code": item.ProductCode,
					})).Warn("product missing during reversal; line item left unreversed")
					return nil
				}
				return err
			}

			// A concurrent pass may have reversed the order between the
			// caller's check and this transaction.
			canceled, err := models.IsOrderCanceled(tx, orderId)
			if err != nil {
				return err
			}
			if canceled {
				return nil
			}

			quantity, err := GetStockQuantity(tx, item.ProductCode, stockName, true)
			if err != nil {
				return err
			}
			if err := SetStockQuantity(tx, logger, item.ProductCode, stockName, quantity+item.Quantity); err != nil {
				return err
			}
			return models.RecordCancellation(tx, orderId, item.ProductCode)
		})
	})
}
