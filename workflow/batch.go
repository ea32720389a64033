package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

// DefaultConcurrentOrderLimit caps how many per-order pipelines run at
// once. Override per Reconciler via CONCURRENT_ORDER_LIMIT.
const DefaultConcurrentOrderLimit = 5

// BatchResult aggregates one coordinated pass over a batch of orders.
// Succeeded and Failed are disjoint and together make up Processed: every
// order the pass actually touched. Noops counts the subset of Succeeded
// that changed nothing (already recorded, already reversed). Skipped
// counts inputs without an order id and pipeline refusals.
type BatchResult struct {
	Processed []string
	Succeeded []string
	Failed    []string
	Noops     int
	Skipped   int
}

// RunOrderBatch fans orders out to process with at most limit in flight;
// the caller supplies the pipeline, so fulfillment and reversal passes
// both run through here. One order's panic or failure never affects the
// others: panics are recovered, logged and counted as failed. Idempotent
// no-ops count as succeeded.
func RunOrderBatch(ctx context.Context, logger *logrus.Logger, orders []kaspifeed.Order, limit int, process func(ctx context.Context, order kaspifeed.Order) (OrderOutcome, error)) BatchResult {
	if limit <= 0 {
		limit = DefaultConcurrentOrderLimit
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result BatchResult
	)
	sem := make(chan struct{}, limit)

	for _, order := range orders {
		if order.ID == "" {
			mu.Lock()
			result.Skipped++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(order kaspifeed.Order) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := runGuarded(ctx, logger, order, process)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeFulfilled:
				result.Succeeded = append(result.Succeeded, order.ID)
			case OutcomeNoop:
				result.Succeeded = append(result.Succeeded, order.ID)
				result.Noops++
			case OutcomeSkipped:
				result.Skipped++
			default:
				result.Failed = append(result.Failed, order.ID)
				if err != nil {
					config.LogError(logger, "workflow", "RunOrderBatch", "order pipeline failed", order.ID, err)
				}
			}
		}(order)
	}
	wg.Wait()

	result.Processed = make([]string, 0, len(result.Succeeded)+len(result.Failed))
	result.Processed = append(result.Processed, result.Succeeded...)
	result.Processed = append(result.Processed, result.Failed...)
	return result
}

// runFields stamps the active sync-run key onto per-order log fields so a
// warning inside a run can be tied back to its sync_runs row.
func runFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	if runKey, ok := utils.GetRunKeyFromContext(ctx); ok {
		fields["run_key"] = runKey
	}
	return fields
}

func runGuarded(ctx context.Context, logger *logrus.Logger, order kaspifeed.Order, process func(ctx context.Context, order kaspifeed.Order) (OrderOutcome, error)) (outcome OrderOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("order pipeline panicked: %v", r)
			config.LogError(logger, "workflow", "runGuarded", "recovered panic", order.ID, err)
			outcome = OutcomeFailed
		}
	}()
	return process(ctx, order)
}
