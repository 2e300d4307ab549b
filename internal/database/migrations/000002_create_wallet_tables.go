package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createWalletTablesMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_wallet_tables",
		Migrate: func(tx *gorm.DB) error {
			// Non-negativity is enforced in the wallet service; the CHECKs
			// are a storage-layer backstop.
			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS wallets (
					id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					user_id UUID NOT NULL UNIQUE,
					points_balance BIGINT NOT NULL DEFAULT 0,
					cash_balance DECIMAL(20,2) NOT NULL DEFAULT 0,
					locked_amount DECIMAL(20,2) NOT NULL DEFAULT 0,
					version BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					CONSTRAINT wallets_points_balance_check CHECK (points_balance >= 0),
					CONSTRAINT wallets_cash_balance_check CHECK (cash_balance >= 0),
					CONSTRAINT wallets_locked_amount_check CHECK (locked_amount >= 0)
				)
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS wallet_entries (
					id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					wallet_id UUID NOT NULL,
					kind VARCHAR(30) NOT NULL,
					points_delta BIGINT NOT NULL DEFAULT 0,
					cash_delta DECIMAL(20,2) NOT NULL DEFAULT 0,
					locked_delta DECIMAL(20,2) NOT NULL DEFAULT 0,
					points_after BIGINT NOT NULL,
					cash_after DECIMAL(20,2) NOT NULL,
					locked_after DECIMAL(20,2) NOT NULL,
					reference VARCHAR(100),
					description TEXT,
					meta_data JSONB,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					CONSTRAINT wallet_entries_kind_check CHECK (kind IN ('add_points', 'deduct_points', 'lock_cash', 'unlock_cash', 'settle_locked_cash', 'add_cash'))
				)
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_wallet_entries_wallet_id ON wallet_entries (wallet_id)`).Error; err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_wallet_entries_reference ON wallet_entries (reference)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Exec("DROP TABLE IF EXISTS wallet_entries").Error; err != nil {
				return err
			}
			return tx.Exec("DROP TABLE IF EXISTS wallets").Error
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createWalletTablesMigration())
}
