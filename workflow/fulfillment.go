package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

// OrderOutcome classifies one pipeline pass over one order.
type OrderOutcome int

const (
	// OutcomeFailed marks a real failure; a later attempt may retry the order.
	OutcomeFailed OrderOutcome = iota
	// OutcomeFulfilled marks completed work.
	OutcomeFulfilled
	// OutcomeNoop marks an idempotency-guard hit: the work already happened.
	OutcomeNoop
	// OutcomeSkipped marks input the pipeline refuses to touch.
	OutcomeSkipped
)

func (o OrderOutcome) String() string {
	switch o {
	case OutcomeFulfilled:
		return "fulfilled"
	case OutcomeNoop:
		return "noop"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// ProcessSingleOrder runs the fulfillment pipeline for one delivery-state
// order: idempotency gate, availability pre-check without locks, then one
// transaction that re-verifies under row locks, decrements every line item
// and records the sale, and finally the invoicing call.
//
// An order that exists locally is finished business (OutcomeNoop). Stock is
// never left partially decremented: any shortage or conflict inside the
// commit transaction rolls the whole order back.
func ProcessSingleOrder(ctx context.Context, db *gorm.DB, logger *logrus.Logger, feed OrderFeed, order kaspifeed.Order) (OrderOutcome, error) {
	if err := order.Validate(); err != nil {
		return OutcomeSkipped, err
	}

	exists, err := models.OrderRecordExists(db.WithContext(ctx), order.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if exists {
		return OutcomeNoop, nil
	}

	stockName, err := StockLocationFromPickupPoint(order.Attributes.PickupPointId)
	if err != nil {
		return OutcomeFailed, err
	}

	items, err := feed.FetchLineItems(ctx, order.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if len(items) == 0 {
		return OutcomeFailed, &ValidationError{Reason: fmt.Sprintf("order %s has no line items", order.ID)}
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return OutcomeFailed, err
		}
	}

	// Optimistic availability pass: no locks held, so a busy catalog does
	// not serialize behind orders that were never going to fulfill.
	for _, item := range items {
		available, err := GetStockQuantity(db.WithContext(ctx), item.Attributes.Offer.Code, stockName, false)
		if err != nil {
			return OutcomeFailed, err
		}
		if available < item.Attributes.Quantity {
			logger.WithFields(runFields(ctx, logrus.Fields{
				"order_id":     order.ID,
				"product_code": item.Attributes.Offer.Code,
				"location":     stockName,
				"available":    available,
				"requested":    item.Attributes.Quantity,
			})).Warn("insufficient stock for order")
			return OutcomeFailed, ErrInsufficientStock
		}
	}

	// Line items locked in product-code order so two orders sharing SKUs
	// always take rows in the same sequence.
	sorted := make([]kaspifeed.LineItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Attributes.Offer.Code < sorted[j].Attributes.Offer.Code
	})

	err = RetryWithBackoff(ctx, logger, "fulfillment commit", storageRetryPolicy(), func(ctx context.Context) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, item := range sorted {
				code := item.Attributes.Offer.Code
				available, err := GetStockQuantity(tx, code, stockName, true)
				if err != nil {
					return err
				}
				if available < item.Attributes.Quantity {
					// A concurrent order won the race since the pre-check.
					logger.WithFields(runFields(ctx, logrus.Fields{
						"order_id":     order.ID,
						"product_code": code,
						"location":     stockName,
						"available":    available,
						"requested":    item.Attributes.Quantity,
					})).Warn("stock claimed by a concurrent order")
					return ErrInsufficientStock
				}
				if err := SetStockQuantity(tx, logger, code, stockName, available-item.Attributes.Quantity); err != nil {
					return err
				}
			}

			header := &models.KaspiOrder{
				OrderId:   order.ID,
				OrderCode: order.Attributes.Code,
				Status:    order.Attributes.Status,
				StockName: stockName,
			}
			customer := models.CustomerInfo{
				Name:  order.Attributes.Customer.Name,
				Phone: utils.NormalizePhoneNumber(order.Attributes.Customer.CellPhone),
			}
			return models.CreateOrderRecord(tx, header, soldItemsFrom(sorted), customer)
		})
	})
	if err != nil {
		if errors.Is(err, models.ErrOrderAlreadyRecorded) {
			// A concurrent processor recorded the order first; our
			// decrements rolled back with the transaction.
			return OutcomeNoop, nil
		}
		return OutcomeFailed, err
	}

	ok, err := feed.CreateInvoice(ctx, order.ID, 1)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		return OutcomeFailed, fmt.Errorf("invoice request for order %s was rejected", order.ID)
	}
	if err := models.MarkOrderInvoiced(db.WithContext(ctx), order.ID); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeFulfilled, nil
}

func soldItemsFrom(items []kaspifeed.LineItem) []models.KaspiSoldProduct {
	sold := make([]models.KaspiSoldProduct, 0, len(items))
	for _, item := range items {
		sold = append(sold, models.KaspiSoldProduct{
			ProductCode: item.Attributes.Offer.Code,
			ProductName: item.Attributes.Offer.Name,
			Quantity:    item.Attributes.Quantity,
			Price:       decimalFromNumber(item.Attributes.TotalPrice),
		})
	}
	return sold
}

func decimalFromNumber(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
