package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-taskmgr/internal/core/ports"
	"go-taskmgr/internal/domain"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is one row of the task_events table.
type EventRecord struct {
	Seq         uint64         `gorm:"primaryKey;autoIncrement"`
	AggregateID string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_task_events_stream,priority:1"`
	EventID     int64          `gorm:"not null;uniqueIndex:idx_task_events_stream,priority:2"`
	EventType   string         `gorm:"type:varchar(32);not null"`
	Data        datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time
}

func (EventRecord) TableName() string {
	return "task_events"
}

type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates the gorm backed event log.
// The db should be opened with gorm.Config{TranslateError: true}, so unique key
// violations of concurrent writers surface as version conflicts.
func NewEventRepository(db *gorm.DB) ports.EventLog {
	return &eventRepository{db: db}
}

// Migrate creates or updates the task_events table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{})
}

func (r *eventRepository) Append(ctx context.Context, id domain.TaskID, expectedVersion domain.EventID, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]EventRecord, 0, len(events))
	for i, e := range events {
		if e.AggregateID() != id {
			return fmt.Errorf("event %d belongs to task %s, not %s", e.EventID(), e.AggregateID(), id)
		}
		if e.EventID() != expectedVersion+domain.EventID(i+1) {
			return fmt.Errorf("task %s: event id %d does not follow version %d", id, e.EventID(), expectedVersion)
		}
		data, err := domain.MarshalEventData(e)
		if err != nil {
			return err
		}
		records = append(records, EventRecord{
			AggregateID: id.String(),
			EventID:     int64(e.EventID()),
			EventType:   string(e.Type()),
			Data:        data,
			CreatedAt:   e.Timestamp(),
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int64
		err := tx.Model(&EventRecord{}).
			Where("aggregate_id = ?", id.String()).
			Select("COALESCE(MAX(event_id), 0)").
			Scan(&current).Error
		if err != nil {
			return err
		}
		if domain.EventID(current) != expectedVersion {
			return domain.ErrVersionConflict
		}
		return tx.Create(&records).Error
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.ErrVersionConflict
	default:
		return fmt.Errorf("%w: append task %s: %w", domain.ErrStoreUnavailable, id, err)
	}
}

func (r *eventRepository) ReadStream(ctx context.Context, id domain.TaskID) ([]domain.Event, error) {
	var records []EventRecord
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", id.String()).
		Order("event_id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: read task %s: %w", domain.ErrStoreUnavailable, id, err)
	}
	return decodeRecords(records)
}

func (r *eventRepository) ReadAll(ctx context.Context) ([]domain.Event, error) {
	var records []EventRecord
	if err := r.db.WithContext(ctx).Order("seq").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: read all events: %w", domain.ErrStoreUnavailable, err)
	}
	return decodeRecords(records)
}

func decodeRecords(records []EventRecord) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(records))
	for _, rec := range records {
		e, err := domain.UnmarshalEventData(domain.EventType(rec.EventType), rec.Data)
		if err != nil {
			return nil, fmt.Errorf("corrupted event %d of task %s: %w", rec.EventID, rec.AggregateID, err)
		}
		events = append(events, e)
	}
	return events, nil
}
