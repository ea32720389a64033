package kaspifeed

import (
	"strconv"
	"time"
)

// UTCDayRange returns the default feed window: start of yesterday 00:00 UTC
// through the end of today 23:59:59 UTC, as epoch-millisecond strings. The
// marketplace filters on order creation date, so the window deliberately
// overlaps one full past day to catch orders created near midnight.
func UTCDayRange(now time.Time) (string, string) {
	now = now.UTC()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	startOfYesterday := startOfToday.AddDate(0, 0, -1)
	endOfToday := startOfToday.AddDate(0, 0, 1).Add(-time.Second)

	from := strconv.FormatInt(startOfYesterday.UnixMilli(), 10)
	to := strconv.FormatInt(endOfToday.UnixMilli(), 10)
	return from, to
}

// QueryNewOrders selects bank-approved orders awaiting merchant acceptance.
func QueryNewOrders(now time.Time) FeedQuery {
	from, to := UTCDayRange(now)
	return FeedQuery{
		State:    StateNew,
		Status:   StatusApprovedByBank,
		FromMs:   from,
		ToMs:     to,
		PageSize: PageSizeNew,
	}
}

// QueryDeliveryOrders selects accepted orders in the delivery pipeline.
func QueryDeliveryOrders(now time.Time) FeedQuery {
	from, to := UTCDayRange(now)
	return FeedQuery{
		State:    StateDelivery,
		Status:   StatusAcceptedByMerchant,
		FromMs:   from,
		ToMs:     to,
		PageSize: PageSizeDelivery,
	}
}

// QueryArchiveOrders selects archived orders by terminal status
// (StatusCancelled or StatusReturned).
func QueryArchiveOrders(now time.Time, status string) FeedQuery {
	from, to := UTCDayRange(now)
	return FeedQuery{
		State:    StateArchive,
		Status:   status,
		FromMs:   from,
		ToMs:     to,
		PageSize: PageSizeArchive,
	}
}
