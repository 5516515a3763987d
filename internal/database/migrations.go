package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/membership"
)

const (
	migrationNormalizeMemberRoles = "2026-09-14_normalize_member_roles"
	migrationDropOrphanMembers    = "2026-09-21_drop_orphan_members"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeMemberRoles, apply: normalizeMemberRoles},
		{name: migrationDropOrphanMembers, apply: dropOrphanMembers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Older rows stored roles with mixed case and the legacy "collaborator" name.
func normalizeMemberRoles(db *gorm.DB) error {
	if err := db.Model(&membership.Member{}).
		Where("LOWER(role) IN ?", []string{"collaborator", "editor"}).
		Update("role", "member").Error; err != nil {
		return err
	}
	return db.Model(&membership.Member{}).
		Where("role <> LOWER(role)").
		Update("role", gorm.Expr("LOWER(role)")).Error
}

func dropOrphanMembers(db *gorm.DB) error {
	return db.Where("project_id NOT IN (?)", db.Model(&membership.Project{}).Select("id")).
		Delete(&membership.Member{}).Error
}
