package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type snapshotRow struct {
	Target     string `gorm:"primaryKey;size:255"`
	Identifier string `gorm:"primaryKey;size:255"`
	State      string `gorm:"type:text;not null"`
	LastValues string `gorm:"type:text;not null"`
	UpdatedAt  time.Time
}

func (snapshotRow) TableName() string { return "entity_snapshots" }

// DBStore keeps snapshots in a single table, one row per target and
// identifier.
type DBStore struct {
	db       *gorm.DB
	log      *zap.Logger
	recorder Recorder
}

// Recorder is told about every round trip to the database.
type Recorder interface {
	RecordDB()
}

// SetRecorder must be called before the store is shared.
func (d *DBStore) SetRecorder(r Recorder) { d.recorder = r }

func (d *DBStore) record() {
	if d.recorder != nil {
		d.recorder.RecordDB()
	}
}

// OpenPostgres connects to dsn and migrates the snapshot table.
func OpenPostgres(dsn string, log *zap.Logger) (*DBStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	return NewDBStore(db, log)
}

func NewDBStore(db *gorm.DB, log *zap.Logger) (*DBStore, error) {
	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot table: %w", err)
	}
	return &DBStore{db: db, log: log.Named("Snapshot")}, nil
}

func (d *DBStore) Save(ctx context.Context, target, identifier string, s Snapshot) error {
	if target == "" {
		target = DefaultTarget
	}
	lv := s.LastValues
	if lv == nil {
		lv = map[string]json.RawMessage{}
	}
	lastValues, err := json.Marshal(lv)
	if err != nil {
		return fmt.Errorf("encode %s: %w", identifier, err)
	}
	row := snapshotRow{
		Target:     Sanitize(target),
		Identifier: Sanitize(identifier),
		State:      string(s.State),
		LastValues: string(lastValues),
	}
	d.record()
	err = d.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save %s: %w", identifier, err)
	}
	d.log.Debug("dumped", zap.String("entity", identifier), zap.String("target", target))
	return nil
}

func (d *DBStore) Consume(ctx context.Context) (map[string]Snapshot, error) {
	out := map[string]Snapshot{}
	d.record()
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []snapshotRow
		if err := tx.Where("target = ?", DefaultTarget).Order("identifier").Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			s := Snapshot{State: json.RawMessage(r.State)}
			if err := json.Unmarshal([]byte(r.LastValues), &s.LastValues); err != nil {
				return fmt.Errorf("%s: %w: %v", r.Identifier, ErrMalformed, err)
			}
			if err := s.validate(); err != nil {
				return fmt.Errorf("%s: %w: %v", r.Identifier, ErrMalformed, err)
			}
			if s.LastValues == nil {
				s.LastValues = map[string]json.RawMessage{}
			}
			out[r.Identifier] = s
		}
		return tx.Where("target = ?", DefaultTarget).Delete(&snapshotRow{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("consume snapshots: %w", err)
	}
	return out, nil
}
