package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createCashoutTablesMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_cashout_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS cashout_requests (
					id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					user_id UUID NOT NULL,
					points_used BIGINT NOT NULL,
					cash_amount DECIMAL(20,2) NOT NULL,
					method VARCHAR(30) NOT NULL,
					destination_ref VARCHAR(255) NOT NULL,
					status VARCHAR(20) NOT NULL DEFAULT 'pending',
					reference VARCHAR(100) UNIQUE,
					failure_reason TEXT,
					initiated_at TIMESTAMP WITH TIME ZONE,
					completed_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					CONSTRAINT cashout_requests_points_used_check CHECK (points_used > 0),
					CONSTRAINT cashout_requests_cash_amount_check CHECK (cash_amount > 0),
					CONSTRAINT cashout_requests_method_check CHECK (method IN ('bank_transfer', 'paypal', 'stripe', 'crypto', 'upi')),
					CONSTRAINT cashout_requests_status_check CHECK (status IN ('pending', 'initiated', 'succeeded', 'failed', 'canceled'))
				)
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_cashout_requests_user_id ON cashout_requests (user_id)`).Error; err != nil {
				return err
			}

			// One live request per user, enforced at the storage layer as
			// well as in the service.
			if err := tx.Exec(`
				CREATE UNIQUE INDEX IF NOT EXISTS idx_cashout_requests_one_open_per_user
				ON cashout_requests (user_id)
				WHERE status IN ('pending', 'initiated') AND deleted_at IS NULL
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS payout_transactions (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					cashout_request_id UUID NOT NULL UNIQUE,
					gateway VARCHAR(50),
					gateway_txn_id VARCHAR(255),
					status VARCHAR(20) NOT NULL DEFAULT 'initiated',
					raw_payload BYTEA,
					failure_reason TEXT,
					processed_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					CONSTRAINT payout_transactions_status_check CHECK (status IN ('initiated', 'processing', 'succeeded', 'failed', 'cancelled'))
				)
			`).Error; err != nil {
				return err
			}

			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_payout_transactions_gateway_txn_id ON payout_transactions (gateway_txn_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Exec("DROP TABLE IF EXISTS payout_transactions").Error; err != nil {
				return err
			}
			return tx.Exec("DROP TABLE IF EXISTS cashout_requests").Error
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createCashoutTablesMigration())
}
