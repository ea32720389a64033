package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
)

// LogEvent is the persisted event sink. Operators query it when the
// container logs have already rotated away.
type LogEvent struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Level     string    `gorm:"size:32;not null;default:INFO" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	ExtraData []byte    `gorm:"type:json" json:"extra_data"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// LogEventHook copies Info+ logrus entries into log_events.
// The DB accessor is lazy: the hook is installed before the database
// connects, and silently drops entries until it has.
type LogEventHook struct {
	db func() *gorm.DB
}

func InstallLogEventHook(logger *logrus.Logger) {
	logger.AddHook(&LogEventHook{db: config.GetDB})
}

func (h *LogEventHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

// Fire never reports an error: a broken event sink must not take the
// sync pipelines down with it.
func (h *LogEventHook) Fire(entry *logrus.Entry) error {
	db := h.db()
	if db == nil {
		return nil
	}

	var extra []byte
	if len(entry.Data) > 0 {
		if b, err := json.Marshal(entry.Data); err == nil {
			extra = b
		}
	}

	event := LogEvent{
		Level:     strings.ToUpper(entry.Level.String()),
		Message:   entry.Message,
		ExtraData: extra,
	}
	_ = db.Create(&event).Error
	return nil
}
