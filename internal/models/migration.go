package models

import "time"

// SchemaMigration records one applied schema change. The version sequence is
// strictly ordered; a version is recorded only after its change committed.
type SchemaMigration struct {
	Version   int       `gorm:"column:version;primaryKey;autoIncrement:false"`
	Name      string    `gorm:"column:name;size:128;not null"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (SchemaMigration) TableName() string { return "schema_migrations" }
