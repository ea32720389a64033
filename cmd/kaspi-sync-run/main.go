package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
	"bitbucket.org/mmdatafocus/kaspi_backend/kaspifeed"
	"bitbucket.org/mmdatafocus/kaspi_backend/models"
	"bitbucket.org/mmdatafocus/kaspi_backend/workflow"
)

// One-shot reconciliation run for cron/Cloud Scheduler jobs. Exits 0 on
// success or partial, 1 when the run failed outright.
func main() {
	timeoutMinutes := flag.Int("timeout-minutes", 30, "Abort the run after this many minutes")
	concurrency := flag.Int("concurrency", 0, "Optional: concurrent order pipelines (default CONCURRENT_ORDER_LIMIT or 5)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	}
	models.InstallLogEventHook(logger)

	feed, err := kaspifeed.NewClientFromEnv(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kaspi feed client: %v\n", err)
		os.Exit(1)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithTimeout(sigCtx, time.Duration(*timeoutMinutes)*time.Minute)
	defer cancel()

	rec := workflow.NewReconciler(db, workflow.WithRetry(feed, logger, workflow.DefaultRetryPolicy()), logger)
	if *concurrency > 0 {
		rec.Limit = *concurrency
	} else if v := intFromEnv("CONCURRENT_ORDER_LIMIT", 0); v > 0 {
		rec.Limit = v
	}

	release, err := workflow.ObtainRunLock(ctx, logger, time.Duration(*timeoutMinutes)*time.Minute)
	if err == redislock.ErrNotObtained {
		fmt.Println("another sync run is in progress; nothing to do")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "run lock: %v\n", err)
		os.Exit(1)
	}
	defer release()

	summary, err := rec.RunOnce(ctx, models.SyncTriggeredCli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync run aborted: %v\n", err)
		os.Exit(1)
	}

	statsJSON, _ := json.Marshal(summary.Stats)
	fmt.Printf("run %s finished: status=%s duration=%dms stats=%s\n",
		summary.RunKey, summary.Status, summary.DurationMs, statsJSON)
	for _, e := range summary.Errors {
		fmt.Fprintln(os.Stderr, "  error: "+e)
	}
	if summary.Status == models.SyncRunStatusFailed {
		os.Exit(1)
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
