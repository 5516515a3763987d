package persistence

// ProjectUpdate stores one append-only document update.
type ProjectUpdate struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;index:idx_project_updates_project;uniqueIndex:idx_project_update_dedupe,priority:1"`
	Payload          []byte `gorm:"column:payload;not null"`
	UpdateHash       string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_project_update_dedupe,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectUpdate) TableName() string {
	return "project_updates"
}

// ProjectSnapshot stores the compacted state of a project document. It covers
// every update with an id up to and including LastUpdateID.
type ProjectSnapshot struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	Payload          []byte `gorm:"column:payload;not null"`
	LastUpdateID     int64  `gorm:"column:last_update_id;not null;default:0"`
	Epoch            int64  `gorm:"column:epoch;not null;default:0"`
	CompactedSeconds int64  `gorm:"column:compacted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectSnapshot) TableName() string {
	return "project_snapshots"
}

// Models lists the tables owned by this package, for schema migration.
func Models() []any {
	return []any{&ProjectUpdate{}, &ProjectSnapshot{}}
}
