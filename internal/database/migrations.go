package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/library/internal/associations"
	"github.com/MarcoPoloResearchLab/library/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillIdentitySlugs      = "2026-10-01_backfill_identity_slugs"
	migrationRecomputeAssociationExpiry = "2026-10-08_recompute_association_expiry"
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
		{name: migrationBackfillIdentitySlugs, apply: backfillIdentitySlugs},
		{name: migrationRecomputeAssociationExpiry, apply: recomputeAssociationExpiry},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
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

// backfillIdentitySlugs gives identities created before public profiles a slug.
func backfillIdentitySlugs(db *gorm.DB) error {
	var identities []users.Identity
	if err := db.Where("slug = '' OR slug IS NULL").Order("created_at ASC").Find(&identities).Error; err != nil {
		return err
	}
	for _, identity := range identities {
		slug, err := users.AvailableSlug(db, identity)
		if err != nil {
			return err
		}
		err = db.Model(&users.Identity{}).
			Where("identity_url = ?", identity.IdentityURL).
			UpdateColumn("slug", slug).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// recomputeAssociationExpiry repairs rows whose stored expiry drifted from
// issued plus lifetime.
func recomputeAssociationExpiry(db *gorm.DB) error {
	return db.Model(&associations.Association{}).
		Where("expires_at_s <> issued_s + lifetime_s").
		UpdateColumn("expires_at_s", gorm.Expr("issued_s + lifetime_s")).Error
}
