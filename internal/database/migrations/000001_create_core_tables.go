package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createCoreTablesMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_core_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					email VARCHAR(255) NOT NULL UNIQUE,
					display_name VARCHAR(100),
					role VARCHAR(20) NOT NULL DEFAULT 'user',
					is_active BOOLEAN DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					CONSTRAINT users_role_check CHECK (role IN ('user', 'moderator', 'admin'))
				)
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS collection_points (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					seq BIGINT NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL UNIQUE,
					latitude DOUBLE PRECISION NOT NULL,
					longitude DOUBLE PRECISION NOT NULL,
					radius_meters DOUBLE PRECISION NOT NULL DEFAULT 100,
					active BOOLEAN DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					CONSTRAINT collection_points_radius_check CHECK (radius_meters > 0)
				)
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS submissions (
					id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					user_id UUID NOT NULL,
					collection_point_id UUID NOT NULL,
					video_key VARCHAR(255) NOT NULL,
					thumbnail_key VARCHAR(255),
					latitude DOUBLE PRECISION NOT NULL,
					longitude DOUBLE PRECISION NOT NULL,
					recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
					device_fingerprint VARCHAR(255),
					status VARCHAR(20) NOT NULL DEFAULT 'queued',
					duration_seconds DOUBLE PRECISION,
					size_bytes BIGINT,
					width INT,
					height INT,
					codec VARCHAR(50),
					fingerprint VARCHAR(80),
					auto_score INT,
					reject_reason TEXT,
					reviewed_by UUID,
					reviewed_at TIMESTAMP WITH TIME ZONE,
					verified_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					deleted_at TIMESTAMP WITH TIME ZONE,
					CONSTRAINT submissions_status_check CHECK (status IN ('queued', 'auto_verified', 'needs_review', 'approved', 'rejected')),
					CONSTRAINT submissions_auto_score_check CHECK (auto_score IS NULL OR (auto_score >= 0 AND auto_score <= 100))
				)
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_submissions_user_id ON submissions (user_id)`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_submissions_status_created ON submissions (status, created_at)`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_submissions_fingerprint ON submissions (fingerprint)`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS submission_events (
					id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					submission_id UUID NOT NULL,
					actor_id UUID,
					kind VARCHAR(30) NOT NULL,
					meta_data JSONB,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					CONSTRAINT submission_events_kind_check CHECK (kind IN ('created', 'auto_verified', 'needs_review', 'approved', 'rejected', 'points_credited'))
				)
			`).Error; err != nil {
				return err
			}

			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_submission_events_submission_id ON submission_events (submission_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			for _, table := range []string{"submission_events", "submissions", "collection_points", "users"} {
				if err := tx.Exec("DROP TABLE IF EXISTS " + table).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createCoreTablesMigration())
}
