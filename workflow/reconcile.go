package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

const (
	// RunLockKey serializes reconciliation runs across replicas.
	RunLockKey = "kaspi:sync:run"
	// LatestRunCacheKey holds the most recent RunSummary for fast status reads.
	LatestRunCacheKey = "kaspi:sync:latest_summary"
)

const (
	DefaultMaxAttempts   = 5
	DefaultAttemptDelay  = 10 * time.Second
	DefaultAcceptRetries = 2
)

// RunSummary is the operator-facing record of one reconciliation run.
type RunSummary struct {
	RunKey      string                  `json:"run_key"`
	TriggeredBy string                  `json:"triggered_by"`
	Status      string                  `json:"status"`
	Stats       map[string]int          `json:"stats"`
	Phases      map[string]*PhaseResult `json:"phases,omitempty"`
	Errors      []string                `json:"errors,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	FinishedAt  time.Time               `json:"finished_at"`
	DurationMs  int64                   `json:"duration_ms"`
}

// PhaseResult is the per-phase order-id ledger inside a RunSummary. Ids stay
// unique across retried attempts; an order that fails early and succeeds on
// a later attempt ends up only in Succeeded. Skipped stays a count because
// skipped inputs often have no usable id.
type PhaseResult struct {
	Processed []string `json:"processed,omitempty"`
	Succeeded []string `json:"succeeded,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Skipped   int      `json:"skipped,omitempty"`
}

func (s *RunSummary) phase(name string) *PhaseResult {
	if s.Phases == nil {
		s.Phases = map[string]*PhaseResult{}
	}
	p := s.Phases[name]
	if p == nil {
		p = &PhaseResult{}
		s.Phases[name] = p
	}
	return p
}

func (p *PhaseResult) fold(result BatchResult) {
	p.Processed = appendUnique(p.Processed, result.Processed...)
	p.Succeeded = appendUnique(p.Succeeded, result.Succeeded...)
	p.Failed = appendUnique(p.Failed, result.Failed...)
	p.Skipped += result.Skipped
	if len(p.Succeeded) > 0 && len(p.Failed) > 0 {
		p.Failed = without(p.Failed, toSet(p.Succeeded))
	}
}

// Reconciler drives one full pass of the order-to-inventory phases:
// returned-archive reversal, cancelled-archive reversal, new-order
// acceptance, bounded fulfillment attempts with a cancellation
// interruption check between attempts, and bounded waybill confirmation.
type Reconciler struct {
	DB     *gorm.DB
	Feed   OrderFeed
	Logger *logrus.Logger

	Limit         int           // concurrent per-order pipelines
	MaxAttempts   int           // fulfillment/waybill attempt ceiling
	AttemptDelay  time.Duration // pause between attempts
	AcceptRetries int           // immediate accept retries after the first try

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewReconciler(db *gorm.DB, feed OrderFeed, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		DB:            db,
		Feed:          feed,
		Logger:        logger,
		Limit:         DefaultConcurrentOrderLimit,
		MaxAttempts:   DefaultMaxAttempts,
		AttemptDelay:  DefaultAttemptDelay,
		AcceptRetries: DefaultAcceptRetries,
	}
}

// RunOnce executes every phase and always finishes with a summary: phase
// failures degrade the run to partial (or failed when nothing at all got
// done) instead of aborting it. The one deliberate early exit is the
// cancellation interruption, when the marketplace cancels an order this
// run just accepted.
func (r *Reconciler) RunOnce(ctx context.Context, triggeredBy string) (*RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startedAt := r.clock().UTC()
	summary := &RunSummary{
		RunKey:      uuid.NewString(),
		TriggeredBy: triggeredBy,
		Stats:       map[string]int{},
		StartedAt:   startedAt,
	}
	run := r.beginRun(ctx, summary, startedAt)
	ctx = utils.SetRunKeyInContext(ctx, summary.RunKey)

	r.Logger.WithFields(logrus.Fields{
		"run_key":      summary.RunKey,
		"triggered_by": triggeredBy,
	}).Info("reconciliation run started")

	// Phases 1 and 2: reverse returned, then cancelled, archive orders.
	if _, err := r.cancelArchive(ctx, summary, kaspifeed.StatusReturned); err != nil {
		r.phaseFailed(summary, "returned-archive pass failed", err)
	}
	if _, err := r.cancelArchive(ctx, summary, kaspifeed.StatusCancelled); err != nil {
		r.phaseFailed(summary, "cancelled-archive pass failed", err)
	}

	// Phase 3: accept bank-approved orders.
	accepted, err := r.acceptNewOrders(ctx, summary)
	if err != nil {
		r.phaseFailed(summary, "new-order fetch failed", err)
	}

	// Phases 4 and 5 only chase orders accepted this run; everything else
	// already had its chance in an earlier run.
	if len(accepted) > 0 {
		acceptedSet := toSet(accepted)
		interrupted := r.fulfillAccepted(ctx, summary, acceptedSet)
		if !interrupted {
			r.confirmWaybills(ctx, summary, acceptedSet)
		}
	}

	r.finishRun(ctx, run, summary)
	return summary, ctx.Err()
}

// cancelArchive fans every archive order in the given terminal status
// through the reversal pipeline and returns the ids of all orders
// processed, which double as the cancellation-interruption set for the
// attempt loops.
func (r *Reconciler) cancelArchive(ctx context.Context, summary *RunSummary, status string) ([]string, error) {
	orders, err := r.Feed.FetchOrders(ctx, kaspifeed.QueryArchiveOrders(r.clock(), status))
	if err != nil {
		return nil, err
	}

	returned := status == kaspifeed.StatusReturned
	statPrefix := "canceled_orders"
	phaseName := "cancelled_reversal"
	if returned {
		statPrefix = "returned_orders"
		phaseName = "returned_reversal"
	}

	result := RunOrderBatch(ctx, r.Logger, orders, r.Limit, func(ctx context.Context, order kaspifeed.Order) (OrderOutcome, error) {
		return CancelSingleOrder(ctx, r.DB, r.Logger, order, returned)
	})
	summary.Stats[statPrefix+"_seen"] += len(result.Processed)
	summary.Stats[statPrefix+"_reversed"] += len(result.Succeeded) - result.Noops
	summary.Stats["reversal_failures"] += len(result.Failed)
	// The interruption re-poll funnels through here too; fold keeps ids
	// unique and lets a late success clear an earlier failure.
	summary.phase(phaseName).fold(result)

	if summary.Stats["reversal_failures"] > 0 && !contains(summary.Errors, "some reversals failed") {
		summary.Errors = append(summary.Errors, "some reversals failed")
	}
	return result.Processed, nil
}

// acceptNewOrders accepts every bank-approved order with immediate local
// retries per order. Failures are recorded, never fatal: orders the
// marketplace still lists tomorrow get another chance then.
func (r *Reconciler) acceptNewOrders(ctx context.Context, summary *RunSummary) ([]string, error) {
	orders, err := r.Feed.FetchOrders(ctx, kaspifeed.QueryNewOrders(r.clock()))
	if err != nil {
		return nil, err
	}

	res := summary.phase("acceptance")
	accepted := []string{}
	for _, order := range orders {
		if err := order.ValidateForAcceptance(); err != nil {
			r.Logger.WithFields(logrus.Fields{
				"order_id":   order.ID,
				"order_code": order.Attributes.Code,
			}).Warn("new order missing id or code")
			summary.Stats["accept_skipped"]++
			res.Skipped++
			continue
		}
		if order.Attributes.Status != "" && order.Attributes.Status != kaspifeed.StatusApprovedByBank {
			summary.Stats["accept_skipped"]++
			res.Skipped++
			continue
		}
		res.Processed = appendUnique(res.Processed, order.ID)

		ok := false
		for try := 0; try <= r.AcceptRetries; try++ {
			var acceptErr error
			ok, acceptErr = r.Feed.AcceptOrder(ctx, order.ID, order.Attributes.Code)
			if ok {
				break
			}
			if acceptErr != nil {
				config.LogError(r.Logger, "workflow", "acceptNewOrders", "accept attempt failed", order.ID, acceptErr)
			}
		}
		if ok {
			accepted = append(accepted, order.ID)
			summary.Stats["orders_accepted"]++
			res.Succeeded = appendUnique(res.Succeeded, order.ID)
		} else {
			summary.Stats["accept_failures"]++
			res.Failed = appendUnique(res.Failed, order.ID)
		}
	}

	if summary.Stats["accept_failures"] > 0 {
		summary.Errors = append(summary.Errors, "some orders failed acceptance")
	}
	return accepted, nil
}

// fulfillAccepted drives bounded fulfillment attempts over the delivery
// batch until one of the orders accepted this run lands (fulfilled, or
// found already recorded), the marketplace cancels one of them, or
// attempts run out. Reports whether the run was interrupted.
func (r *Reconciler) fulfillAccepted(ctx context.Context, summary *RunSummary, acceptedSet map[string]bool) bool {
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		summary.Stats["fulfillment_attempts"]++

		orders, err := r.Feed.FetchOrders(ctx, kaspifeed.QueryDeliveryOrders(r.clock()))
		if err != nil {
			r.phaseFailed(summary, "delivery fetch failed", err)
		} else {
			result := RunOrderBatch(ctx, r.Logger, orders, r.Limit, func(ctx context.Context, order kaspifeed.Order) (OrderOutcome, error) {
				return ProcessSingleOrder(ctx, r.DB, r.Logger, r.Feed, order)
			})
			summary.Stats["fulfillment_succeeded"] += len(result.Succeeded)
			summary.Stats["fulfillment_failed"] += len(result.Failed)
			summary.Stats["fulfillment_skipped"] += result.Skipped
			summary.phase("fulfillment").fold(result)

			if anyIn(acceptedSet, result.Succeeded) {
				return false
			}
		}

		if attempt == r.MaxAttempts {
			break
		}
		if r.interrupted(ctx, summary, acceptedSet) {
			return true
		}
		if err := r.pause(ctx); err != nil {
			return false
		}
	}

	summary.Errors = append(summary.Errors, "fulfillment attempts exhausted")
	return false
}

// confirmWaybills writes carrier waybills for invoiced orders, attempting
// until one of this run's orders carries one. Waybills the carrier has not
// assigned yet are not failures; the next run picks them up.
func (r *Reconciler) confirmWaybills(ctx context.Context, summary *RunSummary, acceptedSet map[string]bool) {
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		summary.Stats["waybill_attempts"]++

		orders, err := r.Feed.FetchOrders(ctx, kaspifeed.QueryDeliveryOrders(r.clock()))
		if err != nil {
			r.phaseFailed(summary, "delivery fetch failed", err)
		} else {
			updated, failed := SaveWaybillLinks(ctx, r.DB, r.Logger, orders)
			summary.Stats["waybills_updated"] += len(updated)
			summary.phase("waybill").fold(BatchResult{
				Processed: append(append([]string{}, updated...), failed...),
				Succeeded: updated,
				Failed:    failed,
			})
			if len(failed) > 0 {
				summary.Stats["waybill_failures"] += len(failed)
				if !contains(summary.Errors, "some waybill writes failed") {
					summary.Errors = append(summary.Errors, "some waybill writes failed")
				}
			}
			if anyIn(acceptedSet, updated) {
				return
			}
		}

		if attempt == r.MaxAttempts {
			return
		}
		if r.interrupted(ctx, summary, acceptedSet) {
			return
		}
		if err := r.pause(ctx); err != nil {
			return
		}
	}
}

// interrupted re-polls the cancelled archive between attempts. A hit on an
// order this run accepted means the customer canceled mid-pipeline; further
// chasing would fulfill an order nobody wants.
func (r *Reconciler) interrupted(ctx context.Context, summary *RunSummary, acceptedSet map[string]bool) bool {
	canceledIds, err := r.cancelArchive(ctx, summary, kaspifeed.StatusCancelled)
	if err != nil {
		r.phaseFailed(summary, "cancellation re-poll failed", err)
		return false
	}
	if anyIn(acceptedSet, canceledIds) {
		summary.Stats["interrupted"] = 1
		r.Logger.WithField("run_key", summary.RunKey).Warn("accepted order canceled mid-run; stopping attempts")
		return true
	}
	return false
}

func (r *Reconciler) phaseFailed(summary *RunSummary, label string, err error) {
	config.LogError(r.Logger, "workflow", "RunOnce", label, summary.RunKey, err)
	summary.Errors = append(summary.Errors, label+": "+err.Error())
}

func (r *Reconciler) beginRun(ctx context.Context, summary *RunSummary, startedAt time.Time) *models.SyncRun {
	run := &models.SyncRun{
		RunKey:      summary.RunKey,
		TriggeredBy: summary.TriggeredBy,
		Status:      models.SyncRunStatusQueued,
		StartedAt:   &startedAt,
	}
	if err := r.DB.WithContext(ctx).Create(run).Error; err != nil {
		config.LogError(r.Logger, "workflow", "beginRun", "could not record sync run", summary.RunKey, err)
		return nil
	}
	if err := r.DB.WithContext(ctx).Model(run).Update("status", models.SyncRunStatusRunning).Error; err != nil {
		config.LogError(r.Logger, "workflow", "beginRun", "could not mark sync run running", summary.RunKey, err)
	}
	return run
}

func (r *Reconciler) finishRun(ctx context.Context, run *models.SyncRun, summary *RunSummary) {
	finishedAt := r.clock().UTC()
	summary.FinishedAt = finishedAt
	summary.DurationMs = finishedAt.Sub(summary.StartedAt).Milliseconds()

	totalDone := summary.Stats["returned_orders_reversed"] +
		summary.Stats["canceled_orders_reversed"] +
		summary.Stats["orders_accepted"] +
		summary.Stats["fulfillment_succeeded"] +
		summary.Stats["waybills_updated"]
	status := models.SyncRunStatusSuccess
	if len(summary.Errors) > 0 && totalDone == 0 {
		status = models.SyncRunStatusFailed
	} else if len(summary.Errors) > 0 {
		status = models.SyncRunStatusPartial
	}
	summary.Status = status

	if run != nil {
		statsJSON, _ := json.Marshal(summary.Stats)
		if err := r.DB.WithContext(ctx).Model(run).Updates(map[string]interface{}{
			"status":      status,
			"stats_json":  statsJSON,
			"error_text":  strings.Join(summary.Errors, "; "),
			"finished_at": finishedAt,
			"duration_ms": summary.DurationMs,
		}).Error; err != nil {
			config.LogError(r.Logger, "workflow", "finishRun", "could not finalize sync run", summary.RunKey, err)
		}
	}

	if err := config.SetRedisObject(LatestRunCacheKey, summary, 24*time.Hour); err != nil {
		r.Logger.WithField("run_key", summary.RunKey).Warn("could not cache run summary: " + err.Error())
	}

	if config.PublishRunSummaries() {
		if _, err := config.PublishJSON(ctx, config.RunSummaryTopic(), summary); err != nil {
			config.LogError(r.Logger, "workflow", "finishRun", "could not publish run summary", summary.RunKey, err)
		}
	}

	r.Logger.WithFields(logrus.Fields{
		"run_key":     summary.RunKey,
		"status":      status,
		"stats":       summary.Stats,
		"phases":      summary.Phases,
		"duration_ms": summary.DurationMs,
	}).Info("reconciliation run finished")
}

func (r *Reconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Reconciler) pause(ctx context.Context) error {
	if r.sleep != nil {
		return r.sleep(ctx, r.AttemptDelay)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.AttemptDelay):
		return nil
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func appendUnique(list []string, ids ...string) []string {
	seen := make(map[string]bool, len(list)+len(ids))
	for _, v := range list {
		seen[v] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			list = append(list, id)
		}
	}
	return list
}

func without(list []string, drop map[string]bool) []string {
	kept := list[:0]
	for _, v := range list {
		if !drop[v] {
			kept = append(kept, v)
		}
	}
	return kept
}

func anyIn(set map[string]bool, ids []string) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
