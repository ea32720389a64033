package config

import (
	"os"
	"strings"
)

// SyncSchedulerDisabled turns off the periodic sync loop so runs only
// happen through the trigger endpoint or the one-shot binary.
//
// Set via env:
// - SYNC_SCHEDULER_DISABLED=true
func SyncSchedulerDisabled() bool {
	return envBoolDefault("SYNC_SCHEDULER_DISABLED", false)
}

// PublishRunSummaries enables publishing each run summary to Pub/Sub
// for downstream reporting.
//
// Set via env:
// - KASPI_SYNC_PUBLISH=true
func PublishRunSummaries() bool {
	return envBoolDefault("KASPI_SYNC_PUBLISH", false)
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// RunSummaryTopic names the Pub/Sub topic run summaries publish to.
//
// Set via env:
// - KASPI_SYNC_TOPIC (default "kaspi-sync")
func RunSummaryTopic() string {
	if v := strings.TrimSpace(os.Getenv("KASPI_SYNC_TOPIC")); v != "" {
		return v
	}
	return "kaspi-sync"
}
