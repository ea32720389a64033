package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
)

// scriptedFeed plays back canned feed pages per lifecycle state. Repeated
// fetches advance through the pages and then repeat the last one, the way
// the live feed looks to the attempt loops between polls.
type scriptedFeed struct {
	newOrders []kaspifeed.Order
	newErr    error

	deliveryPages [][]kaspifeed.Order
	deliveryCalls int

	archivePages map[string][][]kaspifeed.Order
	archiveCalls map[string]int

	items map[string][]kaspifeed.LineItem

	acceptScript map[string][]bool
	acceptCalls  map[string]int

	rejectInvoice bool
	invoiceCalls  int
}

func (s *scriptedFeed) FetchOrders(ctx context.Context, q kaspifeed.FeedQuery) ([]kaspifeed.Order, error) {
	switch q.State {
	case kaspifeed.StateNew:
		if s.newErr != nil {
			return nil, s.newErr
		}
		return s.newOrders, nil
	case kaspifeed.StateDelivery:
		call := s.deliveryCalls
		s.deliveryCalls++
		return pageAt(s.deliveryPages, call), nil
	case kaspifeed.StateArchive:
		if s.archiveCalls == nil {
			s.archiveCalls = map[string]int{}
		}
		call := s.archiveCalls[q.Status]
		s.archiveCalls[q.Status]++
		return pageAt(s.archivePages[q.Status], call), nil
	}
	return nil, nil
}

func (s *scriptedFeed) FetchLineItems(ctx context.Context, orderId string) ([]kaspifeed.LineItem, error) {
	return s.items[orderId], nil
}

func (s *scriptedFeed) AcceptOrder(ctx context.Context, orderId string, orderCode string) (bool, error) {
	if s.acceptCalls == nil {
		s.acceptCalls = map[string]int{}
	}
	call := s.acceptCalls[orderId]
	s.acceptCalls[orderId]++
	script, scripted := s.acceptScript[orderId]
	if !scripted || len(script) == 0 {
		return true, nil
	}
	if call >= len(script) {
		return script[len(script)-1], nil
	}
	return script[call], nil
}

func (s *scriptedFeed) CreateInvoice(ctx context.Context, orderId string, packageCount int) (bool, error) {
	s.invoiceCalls++
	return !s.rejectInvoice, nil
}

func pageAt(pages [][]kaspifeed.Order, call int) []kaspifeed.Order {
	if len(pages) == 0 {
		return nil
	}
	if call >= len(pages) {
		return pages[len(pages)-1]
	}
	return pages[call]
}

func newFeedOrder(id string, code string, status string) kaspifeed.Order {
	return kaspifeed.Order{
		ID: id,
		Attributes: kaspifeed.OrderAttributes{
			Code:   code,
			Status: status,
			State:  kaspifeed.StateNew,
		},
	}
}

func archiveOrder(id string, code string, status string) kaspifeed.Order {
	return kaspifeed.Order{
		ID: id,
		Attributes: kaspifeed.OrderAttributes{
			Code:   code,
			Status: status,
			State:  kaspifeed.StateArchive,
		},
	}
}

func withWaybill(order kaspifeed.Order, waybill string) kaspifeed.Order {
	order.Attributes.KaspiDelivery.Waybill = waybill
	return order
}

func seedRecordedOrder(t *testing.T, db *gorm.DB, orderId string, code string, sku string, qty int) {
	t.Helper()
	header := &models.KaspiOrder{
		OrderId:   orderId,
		OrderCode: code,
		Status:    kaspifeed.StatusAcceptedByMerchant,
		StockName: "PP1",
	}
	items := []models.KaspiSoldProduct{{ProductCode: sku, ProductName: "Item " + sku, Quantity: qty}}
	if err := models.CreateOrderRecord(db, header, items, models.CustomerInfo{Name: "Dana K."}); err != nil {
		t.Fatalf("seed recorded order %s: %v", orderId, err)
	}
}

// testReconciler keeps runs deterministic: one order at a time, two
// attempts, no real waiting between them.
func testReconciler(db *gorm.DB, feed OrderFeed) *Reconciler {
	rec := NewReconciler(db, feed, testLogger())
	rec.Limit = 1
	rec.MaxAttempts = 2
	rec.AttemptDelay = time.Millisecond
	rec.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return rec
}

func TestRunOnce_AcceptsFulfillsAndLinksWaybill(t *testing.T) {
	db := openTestDB(t, "run_happy")
	seedInventory(t, db, "SKU-1", "PP1", 10)

	feed := &scriptedFeed{
		newOrders: []kaspifeed.Order{
			newFeedOrder("O1", "CODE-1", kaspifeed.StatusApprovedByBank),
			newFeedOrder("O2", "", kaspifeed.StatusApprovedByBank),
			newFeedOrder("O3", "CODE-3", kaspifeed.StatusAcceptedByMerchant),
		},
		deliveryPages: [][]kaspifeed.Order{
			{withWaybill(deliveryOrder("O1", "CODE-1", "761PP1"), "WB-123")},
		},
		items: map[string][]kaspifeed.LineItem{
			"O1": {feedItem("SKU-1", 2, "45000")},
		},
	}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if summary.Status != models.SyncRunStatusSuccess {
		t.Errorf("status = %q, want success (errors: %v)", summary.Status, summary.Errors)
	}
	wantStats := map[string]int{
		"orders_accepted":       1,
		"accept_skipped":        2,
		"fulfillment_attempts":  1,
		"fulfillment_succeeded": 1,
		"waybill_attempts":      1,
		"waybills_updated":      1,
	}
	for key, want := range wantStats {
		if got := summary.Stats[key]; got != want {
			t.Errorf("stats[%s] = %d, want %d", key, got, want)
		}
	}

	acceptance := summary.Phases["acceptance"]
	if acceptance == nil {
		t.Fatal("no acceptance phase in summary")
	}
	if len(acceptance.Succeeded) != 1 || acceptance.Succeeded[0] != "O1" {
		t.Errorf("acceptance succeeded = %v, want [O1]", acceptance.Succeeded)
	}
	if acceptance.Skipped != 2 {
		t.Errorf("acceptance skipped = %d, want 2", acceptance.Skipped)
	}
	for _, phase := range []string{"fulfillment", "waybill"} {
		p := summary.Phases[phase]
		if p == nil {
			t.Fatalf("no %s phase in summary", phase)
		}
		if len(p.Succeeded) != 1 || p.Succeeded[0] != "O1" {
			t.Errorf("%s succeeded = %v, want [O1]", phase, p.Succeeded)
		}
		if len(p.Failed) != 0 {
			t.Errorf("%s failed = %v, want none", phase, p.Failed)
		}
	}

	if got := stockQty(t, db, "SKU-1", "PP1"); got != 8 {
		t.Errorf("stock after run = %d, want 8", got)
	}

	var sold []models.KaspiSoldProduct
	if err := db.Where("order_id = ?", "O1").Find(&sold).Error; err != nil {
		t.Fatalf("load sold rows: %v", err)
	}
	if len(sold) != 1 || sold[0].Waybill != "WB-123" {
		t.Errorf("sold rows = %+v, want one row carrying WB-123", sold)
	}

	run, err := models.GetSyncRunByKey(db, summary.RunKey)
	if err != nil {
		t.Fatalf("load sync run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess {
		t.Errorf("persisted status = %q, want success", run.Status)
	}
	if run.TriggeredBy != models.SyncTriggeredManual {
		t.Errorf("triggered_by = %q, want manual", run.TriggeredBy)
	}
	if run.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if run.ErrorText != "" {
		t.Errorf("error_text = %q, want empty", run.ErrorText)
	}
	var persisted map[string]int
	if err := json.Unmarshal(run.StatsJSON, &persisted); err != nil {
		t.Fatalf("decode stats_json: %v", err)
	}
	if persisted["orders_accepted"] != 1 {
		t.Errorf("persisted orders_accepted = %d, want 1", persisted["orders_accepted"])
	}
}

func TestRunOnce_AcceptRetriesUntilSuccess(t *testing.T) {
	db := openTestDB(t, "run_accept_retry")
	seedInventory(t, db, "SKU-1", "PP1", 10)

	feed := &scriptedFeed{
		newOrders:    []kaspifeed.Order{newFeedOrder("O1", "CODE-1", kaspifeed.StatusApprovedByBank)},
		acceptScript: map[string][]bool{"O1": {false, false, true}},
		deliveryPages: [][]kaspifeed.Order{
			{deliveryOrder("O1", "CODE-1", "761PP1")},
		},
		items: map[string][]kaspifeed.LineItem{
			"O1": {feedItem("SKU-1", 1, "45000")},
		},
	}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredSchedule)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := feed.acceptCalls["O1"]; got != 3 {
		t.Errorf("accept calls = %d, want 3", got)
	}
	if got := summary.Stats["orders_accepted"]; got != 1 {
		t.Errorf("orders_accepted = %d, want 1", got)
	}
	if got := summary.Stats["accept_failures"]; got != 0 {
		t.Errorf("accept_failures = %d, want 0", got)
	}
}

func TestRunOnce_AcceptFailureDegradesRun(t *testing.T) {
	db := openTestDB(t, "run_accept_fail")

	feed := &scriptedFeed{
		newOrders:    []kaspifeed.Order{newFeedOrder("O1", "CODE-1", kaspifeed.StatusApprovedByBank)},
		acceptScript: map[string][]bool{"O1": {false}},
	}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := feed.acceptCalls["O1"]; got != 3 {
		t.Errorf("accept calls = %d, want 3 (one try plus two retries)", got)
	}
	if got := summary.Stats["accept_failures"]; got != 1 {
		t.Errorf("accept_failures = %d, want 1", got)
	}
	if got := summary.Stats["fulfillment_attempts"]; got != 0 {
		t.Errorf("fulfillment_attempts = %d, want 0 (nothing accepted, nothing to chase)", got)
	}
	if summary.Status != models.SyncRunStatusFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if !containsString(summary.Errors, "some orders failed acceptance") {
		t.Errorf("errors = %v, want acceptance failure recorded", summary.Errors)
	}

	run, err := models.GetSyncRunByKey(db, summary.RunKey)
	if err != nil {
		t.Fatalf("load sync run: %v", err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Errorf("persisted status = %q, want failed", run.Status)
	}
	if run.ErrorText != "some orders failed acceptance" {
		t.Errorf("error_text = %q", run.ErrorText)
	}
}

func TestRunOnce_UnrelatedSuccessDoesNotEndTheChase(t *testing.T) {
	db := openTestDB(t, "run_exhaustion")
	seedInventory(t, db, "SKU-1", "PP1", 2)
	seedRecordedOrder(t, db, "OLD", "CODE-OLD", "SKU-2", 1)

	// OLD resolves as a no-op success on every attempt; the order accepted
	// this run keeps failing on stock. The loop must burn through all
	// attempts instead of declaring victory on OLD.
	feed := &scriptedFeed{
		newOrders: []kaspifeed.Order{newFeedOrder("O1", "CODE-1", kaspifeed.StatusApprovedByBank)},
		deliveryPages: [][]kaspifeed.Order{
			{deliveryOrder("OLD", "CODE-OLD", "761PP1"), deliveryOrder("O1", "CODE-1", "761PP1")},
		},
		items: map[string][]kaspifeed.LineItem{
			"O1": {feedItem("SKU-1", 5, "45000")},
		},
	}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := summary.Stats["fulfillment_attempts"]; got != 2 {
		t.Errorf("fulfillment_attempts = %d, want 2", got)
	}
	if got := summary.Stats["fulfillment_failed"]; got != 2 {
		t.Errorf("fulfillment_failed = %d, want 2", got)
	}
	if !containsString(summary.Errors, "fulfillment attempts exhausted") {
		t.Errorf("errors = %v, want exhaustion recorded", summary.Errors)
	}
	if summary.Status != models.SyncRunStatusPartial {
		t.Errorf("status = %q, want partial", summary.Status)
	}
	if got := stockQty(t, db, "SKU-1", "PP1"); got != 2 {
		t.Errorf("stock = %d, want 2 (failed order must not decrement)", got)
	}

	exists, err := models.OrderRecordExists(db, "O1")
	if err != nil {
		t.Fatalf("check O1: %v", err)
	}
	if exists {
		t.Error("O1 must not be recorded after failed fulfillment")
	}
}

func TestRunOnce_MidRunCancellationStopsAttempts(t *testing.T) {
	db := openTestDB(t, "run_interrupt")
	seedInventory(t, db, "SKU-1", "PP1", 2)

	// O1 is accepted, fails its first fulfillment attempt, and then shows
	// up in the cancelled archive on the re-poll between attempts.
	feed := &scriptedFeed{
		newOrders: []kaspifeed.Order{newFeedOrder("O1", "CODE-1", kaspifeed.StatusApprovedByBank)},
		deliveryPages: [][]kaspifeed.Order{
			{deliveryOrder("O1", "CODE-1", "761PP1")},
		},
		items: map[string][]kaspifeed.LineItem{
			"O1": {feedItem("SKU-1", 5, "45000")},
		},
		archivePages: map[string][][]kaspifeed.Order{
			kaspifeed.StatusCancelled: {
				{},
				{archiveOrder("O1", "CODE-1", kaspifeed.StatusCancelled)},
			},
		},
	}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := summary.Stats["interrupted"]; got != 1 {
		t.Errorf("interrupted = %d, want 1", got)
	}
	if got := summary.Stats["fulfillment_attempts"]; got != 1 {
		t.Errorf("fulfillment_attempts = %d, want 1 (stop after the cancellation)", got)
	}
	if got := summary.Stats["waybill_attempts"]; got != 0 {
		t.Errorf("waybill_attempts = %d, want 0", got)
	}
	if summary.Status != models.SyncRunStatusSuccess {
		t.Errorf("status = %q, want success (errors: %v)", summary.Status, summary.Errors)
	}
}

func TestRunOnce_ReturnedArchiveReversal(t *testing.T) {
	db := openTestDB(t, "run_returned")
	seedInventory(t, db, "SKU-1", "PP1", 7)
	seedRecordedOrder(t, db, "R1", "CODE-R1", "SKU-1", 3)

	feed := &scriptedFeed{
		archivePages: map[string][][]kaspifeed.Order{
			kaspifeed.StatusReturned: {
				{archiveOrder("R1", "CODE-R1", kaspifeed.StatusReturned)},
			},
		},
	}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredSchedule)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := summary.Stats["returned_orders_seen"]; got != 1 {
		t.Errorf("returned_orders_seen = %d, want 1", got)
	}
	if got := summary.Stats["returned_orders_reversed"]; got != 1 {
		t.Errorf("returned_orders_reversed = %d, want 1", got)
	}
	if summary.Status != models.SyncRunStatusSuccess {
		t.Errorf("status = %q, want success (errors: %v)", summary.Status, summary.Errors)
	}
	if got := stockQty(t, db, "SKU-1", "PP1"); got != 10 {
		t.Errorf("stock = %d, want 10 after the reversal", got)
	}

	var header models.KaspiOrder
	if err := db.Where("order_id = ?", "R1").First(&header).Error; err != nil {
		t.Fatalf("load R1: %v", err)
	}
	if !header.IsReturned || !header.IsCanceled {
		t.Errorf("R1 flags returned=%v canceled=%v, want both true", header.IsReturned, header.IsCanceled)
	}

	var ledger []models.KaspiCanceledOrder
	if err := db.Find(&ledger).Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if len(ledger) != 1 || ledger[0].ProductCode != "SKU-1" {
		t.Errorf("ledger = %+v, want one SKU-1 row", ledger)
	}
}

func TestRunOnce_ArchiveReversalPartitionsOutcomes(t *testing.T) {
	db := openTestDB(t, "run_archive_partition")
	seedInventory(t, db, "SKU-1", "PP1", 7)
	seedRecordedOrder(t, db, "R1", "CODE-R1", "SKU-1", 3)

	// R1 reverses, GHOST was never recorded locally (idempotent no-op) and
	// the id-less entry is dropped before any pipeline runs.
	feed := &scriptedFeed{
		archivePages: map[string][][]kaspifeed.Order{
			kaspifeed.StatusReturned: {
				{
					archiveOrder("R1", "CODE-R1", kaspifeed.StatusReturned),
					archiveOrder("GHOST", "CODE-G", kaspifeed.StatusReturned),
					archiveOrder("", "CODE-EMPTY", kaspifeed.StatusReturned),
				},
			},
		},
	}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredSchedule)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := summary.Stats["returned_orders_seen"]; got != 2 {
		t.Errorf("returned_orders_seen = %d, want 2", got)
	}
	if got := summary.Stats["returned_orders_reversed"]; got != 1 {
		t.Errorf("returned_orders_reversed = %d, want 1 (GHOST changed nothing)", got)
	}
	if got := summary.Stats["reversal_failures"]; got != 0 {
		t.Errorf("reversal_failures = %d, want 0", got)
	}
	if summary.Status != models.SyncRunStatusSuccess {
		t.Errorf("status = %q, want success (errors: %v)", summary.Status, summary.Errors)
	}

	phase := summary.Phases["returned_reversal"]
	if phase == nil {
		t.Fatal("no returned_reversal phase in summary")
	}
	if len(phase.Processed) != 2 || !containsString(phase.Processed, "R1") || !containsString(phase.Processed, "GHOST") {
		t.Errorf("processed = %v, want R1 and GHOST", phase.Processed)
	}
	if len(phase.Succeeded) != 2 || !containsString(phase.Succeeded, "GHOST") {
		t.Errorf("succeeded = %v, want R1 and GHOST (no-ops count as succeeded)", phase.Succeeded)
	}
	if len(phase.Failed) != 0 {
		t.Errorf("failed = %v, want none", phase.Failed)
	}
	if phase.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 (the id-less entry)", phase.Skipped)
	}

	if got := stockQty(t, db, "SKU-1", "PP1"); got != 10 {
		t.Errorf("stock = %d, want 10 after the reversal", got)
	}
}

func TestRunOnce_WaybillOnlyForInvoicedOrders(t *testing.T) {
	db := openTestDB(t, "run_waybill_gate")
	seedRecordedOrder(t, db, "W1", "CODE-W1", "SKU-1", 1)
	seedRecordedOrder(t, db, "W2", "CODE-W2", "SKU-1", 1)
	if err := models.MarkOrderInvoiced(db, "W1"); err != nil {
		t.Fatalf("mark W1 invoiced: %v", err)
	}

	feed := &scriptedFeed{
		newOrders: []kaspifeed.Order{newFeedOrder("A1", "CODE-A1", kaspifeed.StatusApprovedByBank)},
		deliveryPages: [][]kaspifeed.Order{
			{
				deliveryOrder("A1", "CODE-A1", "761PP1"),
				withWaybill(deliveryOrder("W1", "CODE-W1", "761PP1"), "WB-1"),
				withWaybill(deliveryOrder("W2", "CODE-W2", "761PP1"), "WB-2"),
			},
		},
		items: map[string][]kaspifeed.LineItem{
			"A1": {feedItem("SKU-9", 5, "1000")},
		},
	}

	rec := testReconciler(db, feed)
	rec.MaxAttempts = 1
	summary, err := rec.RunOnce(context.Background(), models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := summary.Stats["waybills_updated"]; got != 1 {
		t.Errorf("waybills_updated = %d, want 1", got)
	}
	if summary.Status != models.SyncRunStatusPartial {
		t.Errorf("status = %q, want partial (A1 never fulfilled)", summary.Status)
	}

	waybillOf := func(orderId string) string {
		var items []models.KaspiSoldProduct
		if err := db.Where("order_id = ?", orderId).Find(&items).Error; err != nil {
			t.Fatalf("load %s items: %v", orderId, err)
		}
		if len(items) != 1 {
			t.Fatalf("%s items = %d, want 1", orderId, len(items))
		}
		return items[0].Waybill
	}
	if got := waybillOf("W1"); got != "WB-1" {
		t.Errorf("W1 waybill = %q, want WB-1", got)
	}
	if got := waybillOf("W2"); got != "" {
		t.Errorf("W2 waybill = %q, want empty (not invoiced yet)", got)
	}
}

func TestRunOnce_NewOrderFetchFailure(t *testing.T) {
	db := openTestDB(t, "run_fetch_fail")

	feed := &scriptedFeed{newErr: errors.New("upstream down")}

	summary, err := testReconciler(db, feed).RunOnce(context.Background(), models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if summary.Status != models.SyncRunStatusFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if !containsString(summary.Errors, "new-order fetch failed: upstream down") {
		t.Errorf("errors = %v, want the fetch failure recorded", summary.Errors)
	}
	if got := summary.Stats["fulfillment_attempts"]; got != 0 {
		t.Errorf("fulfillment_attempts = %d, want 0", got)
	}
}

func TestRunOnce_CanceledContextRefusesToStart(t *testing.T) {
	db := openTestDB(t, "run_ctx_canceled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := testReconciler(db, &scriptedFeed{}).RunOnce(ctx, models.SyncTriggeredManual)
	if summary != nil {
		t.Errorf("summary = %+v, want nil", summary)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestObtainRunLock_WithoutRedis(t *testing.T) {
	release, err := ObtainRunLock(context.Background(), testLogger(), time.Minute)
	if err != nil {
		t.Fatalf("ObtainRunLock: %v", err)
	}
	if release == nil {
		t.Fatal("release func is nil")
	}
	release()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
