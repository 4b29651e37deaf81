package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// EventStoreConfig selects the database backend for the decision mirror.
type EventStoreConfig struct {
	Driver string // "sqlite" (default) or "postgres".
	Path   string // SQLite file path.
	DSN    string // Postgres DSN.
}

// eventModel is the GORM row for a mirrored decision record. All GORM usage
// is confined to this file — the Entry type stays ORM-free.
type eventModel struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	DecisionID     string    `gorm:"size:128;uniqueIndex;not null"`
	Timestamp      time.Time `gorm:"index;not null"`
	ToolName       string    `gorm:"size:128;index;not null"`
	IntentCategory string    `gorm:"size:64"`
	Outcome        string    `gorm:"size:32;index;not null"`
	ErrorCode      string    `gorm:"size:64"`
	ErrorSubCode   string    `gorm:"size:64"`
	ErrorReason    string    `gorm:"type:text"`
	Payload        string    `gorm:"type:text;not null"` // Full Entry as JSON.
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (eventModel) TableName() string { return "decision_events" }

// EventStore mirrors decision records into a relational database for queries
// the flat JSONL streams cannot serve (drift monitoring, per-tool history).
// It is always a best-effort sink behind the Recorder.
type EventStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenEventStore connects to the configured backend and migrates the schema.
func OpenEventStore(cfg EventStoreConfig, logger *slog.Logger) (*EventStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "tradegate-decisions.db"
		}
		dialector = sqlite.Open(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("event store: postgres driver requires a dsn")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("event store: unknown driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("event store: connecting: %w", err)
	}
	if err := db.AutoMigrate(&eventModel{}); err != nil {
		return nil, fmt.Errorf("event store: migrating: %w", err)
	}
	return &EventStore{db: db, logger: logger}, nil
}

// Append inserts the entry. Duplicate decision IDs are rejected by the unique
// index, preserving write-once semantics at the database level too.
func (s *EventStore) Append(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("event store: marshaling entry: %w", err)
	}
	row := eventModel{
		DecisionID:     entry.DecisionID,
		Timestamp:      entry.Timestamp,
		ToolName:       entry.ToolName,
		IntentCategory: entry.IntentCategory,
		Outcome:        entry.Outcome,
		ErrorCode:      entry.ErrorCode,
		ErrorSubCode:   entry.ErrorSubCode,
		ErrorReason:    entry.ErrorReason,
		Payload:        string(payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("event store: inserting decision %s: %w", entry.DecisionID, err)
	}
	return nil
}

// Recent returns the most recent decision entries, newest first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []eventModel
	if err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("event store: listing decisions: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var e Entry
		if err := json.Unmarshal([]byte(row.Payload), &e); err != nil {
			s.logger.Warn("skipping undecodable decision row",
				slog.String("decision_id", row.DecisionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close releases the underlying connection.
func (s *EventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
