package models

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredCli      = "cli"
)

// SyncRun tracks one reconciliation run end to end. StatsJSON carries the
// per-phase counters; Status lands on success, partial (some phase degraded)
// or failed.
type SyncRun struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	RunKey      string     `gorm:"size:36;uniqueIndex;not null" json:"run_key"`
	TriggeredBy string     `gorm:"size:20" json:"triggered_by"`
	Status      string     `gorm:"size:20;not null" json:"status"`
	StatsJSON   []byte     `gorm:"type:json" json:"stats"`
	ErrorText   string     `gorm:"type:text" json:"error_text"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetSyncRunByKey(db *gorm.DB, runKey string) (*SyncRun, error) {
	var run SyncRun
	err := db.Where("run_key = ?", runKey).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

func LatestSyncRun(db *gorm.DB) (*SyncRun, error) {
	var run SyncRun
	err := db.Order("id DESC").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}
