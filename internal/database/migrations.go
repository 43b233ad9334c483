package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationEnableWriteAheadLog = "2026-10-01_enable_write_ahead_log"
	migrationIndexJournalStroke  = "2026-10-02_index_journal_stroke_id"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type journalMigration struct {
	name  string
	apply func(db *gorm.DB, logger *zap.Logger) error
}

// journalMigrations run once each, in order, and are never edited after release.
var journalMigrations = []journalMigration{
	{name: migrationEnableWriteAheadLog, apply: enableWriteAheadLog},
	{name: migrationIndexJournalStroke, apply: indexJournalStroke},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, step := range journalMigrations {
		applied, err := migrationApplied(db, step.name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", step.name, err)
		}
		if applied {
			continue
		}
		if err := step.apply(db, logger); err != nil {
			return fmt.Errorf("apply migration %s: %w", step.name, err)
		}
		record := migrationRecord{Name: step.name, AppliedAtSeconds: time.Now().UTC().Unix()}
		if err := db.Create(&record).Error; err != nil {
			return fmt.Errorf("record migration %s: %w", step.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", step.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// journal_mode persists in the database file. In-memory databases report
// "memory" and cannot switch.
func enableWriteAheadLog(db *gorm.DB, logger *zap.Logger) error {
	var mode string
	if err := db.Raw("PRAGMA journal_mode=WAL").Scan(&mode).Error; err != nil {
		return err
	}
	switch strings.ToLower(mode) {
	case "wal":
		return nil
	case "memory":
		logger.Info("in-memory journal database keeps memory journal mode")
		return nil
	default:
		return fmt.Errorf("journal_mode is %q after requesting wal", mode)
	}
}

func indexJournalStroke(db *gorm.DB, _ *zap.Logger) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_journal_stroke ON journal_entries (stroke_id)").Error
}
