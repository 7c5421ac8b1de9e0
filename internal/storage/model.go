package storage

// Record stores one durable slot owned by a single actor instance.
type Record struct {
	Kind            string `gorm:"column:kind;primaryKey;size:64;not null"`
	ActorKey        string `gorm:"column:actor_key;primaryKey;size:190;not null"`
	Slot            string `gorm:"column:slot;primaryKey;size:64;not null"`
	ValueJSON       string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "actor_records"
}

// Alarm stores the single pending scheduled wake of an actor instance.
type Alarm struct {
	Kind         string `gorm:"column:kind;primaryKey;size:64;not null"`
	ActorKey     string `gorm:"column:actor_key;primaryKey;size:190;not null"`
	FireAtMillis int64  `gorm:"column:fire_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Alarm) TableName() string {
	return "actor_alarms"
}
