package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryKindKey     = "kind = ? AND actor_key = ?"
	queryKindKeySlot = "kind = ? AND actor_key = ? AND slot = ?"
)

var (
	// ErrMissingDatabase indicates the store was built without a database handle.
	ErrMissingDatabase = errors.New("storage: database handle is required")
	// ErrInvalidAddress indicates an empty kind, key or slot.
	ErrInvalidAddress = errors.New("storage: kind, key and slot are required")
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store persists actor slots and alarms in the relational database.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Get loads the raw JSON stored in a slot. The boolean reports presence.
func (s *Store) Get(ctx context.Context, kind, key, slot string) ([]byte, bool, error) {
	if kind == "" || key == "" || slot == "" {
		return nil, false, ErrInvalidAddress
	}
	var record Record
	err := s.db.WithContext(ctx).
		Where(queryKindKeySlot, kind, key, slot).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %s/%s/%s: %w", kind, key, slot, err)
	}
	return []byte(record.ValueJSON), true, nil
}

// Put writes a slot, replacing any previous value.
func (s *Store) Put(ctx context.Context, kind, key, slot string, value []byte) error {
	if kind == "" || key == "" || slot == "" {
		return ErrInvalidAddress
	}
	record := Record{
		Kind:            kind,
		ActorKey:        key,
		Slot:            slot,
		ValueJSON:       string(value),
		UpdatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "actor_key"}, {Name: "slot"}},
			DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_ms"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("storage: put %s/%s/%s: %w", kind, key, slot, err)
	}
	return nil
}

// Delete removes a single slot. Missing slots are not an error.
func (s *Store) Delete(ctx context.Context, kind, key, slot string) error {
	if kind == "" || key == "" || slot == "" {
		return ErrInvalidAddress
	}
	if err := s.db.WithContext(ctx).
		Where(queryKindKeySlot, kind, key, slot).
		Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("storage: delete %s/%s/%s: %w", kind, key, slot, err)
	}
	return nil
}

// DeleteAll removes every slot owned by an actor instance. Alarms are kept.
func (s *Store) DeleteAll(ctx context.Context, kind, key string) error {
	if kind == "" || key == "" {
		return ErrInvalidAddress
	}
	if err := s.db.WithContext(ctx).
		Where(queryKindKey, kind, key).
		Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("storage: delete all %s/%s: %w", kind, key, err)
	}
	return nil
}

// PutAlarm records the pending wake for an instance, replacing any earlier one.
func (s *Store) PutAlarm(ctx context.Context, kind, key string, fireAt time.Time) error {
	if kind == "" || key == "" {
		return ErrInvalidAddress
	}
	alarm := Alarm{Kind: kind, ActorKey: key, FireAtMillis: fireAt.UTC().UnixMilli()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "actor_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"fire_at_ms"}),
		}).
		Create(&alarm).Error
	if err != nil {
		return fmt.Errorf("storage: put alarm %s/%s: %w", kind, key, err)
	}
	return nil
}

// DeleteAlarm clears the pending wake for an instance.
func (s *Store) DeleteAlarm(ctx context.Context, kind, key string) error {
	if kind == "" || key == "" {
		return ErrInvalidAddress
	}
	if err := s.db.WithContext(ctx).
		Where(queryKindKey, kind, key).
		Delete(&Alarm{}).Error; err != nil {
		return fmt.Errorf("storage: delete alarm %s/%s: %w", kind, key, err)
	}
	return nil
}

// ListAlarms returns every pending wake ordered by fire time.
func (s *Store) ListAlarms(ctx context.Context) ([]Alarm, error) {
	var alarms []Alarm
	if err := s.db.WithContext(ctx).
		Order("fire_at_ms ASC").
		Find(&alarms).Error; err != nil {
		return nil, fmt.Errorf("storage: list alarms: %w", err)
	}
	return alarms, nil
}

// FireAt converts the stored millis into a time value.
func (a Alarm) FireAt() time.Time {
	return time.UnixMilli(a.FireAtMillis).UTC()
}
