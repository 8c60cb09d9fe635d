package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addDeliveryRetryIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_delivery_retry_indexes",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_retry_due ON delivery_attempts (next_retry_at) WHERE status = 'failed' AND next_retry_at IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_status ON delivery_attempts (status, created_at)`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_delivery_attempts_retry_due`,
				`DROP INDEX IF EXISTS idx_delivery_attempts_status`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
