package workflow

import (
	"context"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
)

// OrderFeed is the marketplace seam the pipelines consume.
// kaspifeed.Client implements it; tests substitute fakes.
type OrderFeed interface {
	FetchOrders(ctx context.Context, q kaspifeed.FeedQuery) ([]kaspifeed.Order, error)
	FetchLineItems(ctx context.Context, orderId string) ([]kaspifeed.LineItem, error)
	AcceptOrder(ctx context.Context, orderId string, orderCode string) (bool, error)
	CreateInvoice(ctx context.Context, orderId string, packageCount int) (bool, error)
}

// WithRetry wraps a feed so every call retries per policy. Mutations only
// retry on transport errors; a marketplace rejection comes back as
// (false, nil) and is the caller's business.
func WithRetry(feed OrderFeed, logger *logrus.Logger, policy RetryPolicy) OrderFeed {
	return &retryingFeed{feed: feed, logger: logger, policy: policy}
}

type retryingFeed struct {
	feed   OrderFeed
	logger *logrus.Logger
	policy RetryPolicy
}

func (r *retryingFeed) FetchOrders(ctx context.Context, q kaspifeed.FeedQuery) ([]kaspifeed.Order, error) {
	var orders []kaspifeed.Order
	err := RetryWithBackoff(ctx, r.logger, "fetch orders", r.policy, func(ctx context.Context) error {
		var opErr error
		orders, opErr = r.feed.FetchOrders(ctx, q)
		return opErr
	})
	return orders, err
}

func (r *retryingFeed) FetchLineItems(ctx context.Context, orderId string) ([]kaspifeed.LineItem, error) {
	var items []kaspifeed.LineItem
	err := RetryWithBackoff(ctx, r.logger, "fetch line items", r.policy, func(ctx context.Context) error {
		var opErr error
		items, opErr = r.feed.FetchLineItems(ctx, orderId)
		return opErr
	})
	return items, err
}

func (r *retryingFeed) AcceptOrder(ctx context.Context, orderId string, orderCode string) (bool, error) {
	var ok bool
	err := RetryWithBackoff(ctx, r.logger, "accept order", r.policy, func(ctx context.Context) error {
		var opErr error
		ok, opErr = r.feed.AcceptOrder(ctx, orderId, orderCode)
		return opErr
	})
	return ok, err
}

func (r *retryingFeed) CreateInvoice(ctx context.Context, orderId string, packageCount int) (bool, error) {
	var ok bool
	err := RetryWithBackoff(ctx, r.logger, "create invoice", r.policy, func(ctx context.Context) error {
		var opErr error
		ok, opErr = r.feed.CreateInvoice(ctx, orderId, packageCount)
		return opErr
	})
	return ok, err
}
