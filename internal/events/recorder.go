// Package events is the append-only audit trail for submissions. Rows are
// written inside the same transaction as the state change they describe
// and are never updated afterwards.
package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/models"
	"gorm.io/gorm"
)

// Recorder writes and reads submission events.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates a new Recorder
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends one event. Pass the surrounding transaction so the event
// commits or rolls back together with the state change it describes.
func (r *Recorder) Record(tx *gorm.DB, submissionID uuid.UUID, actorID *uuid.UUID, kind models.SubmissionEventKind, meta models.JSON) error {
	if tx == nil {
		tx = r.db
	}

	event := models.SubmissionEvent{
		SubmissionID: submissionID,
		ActorID:      actorID,
		Kind:         kind,
		MetaData:     meta,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}
	return nil
}

// ForSubmission returns a submission's events oldest first.
func (r *Recorder) ForSubmission(ctx context.Context, submissionID uuid.UUID) ([]models.SubmissionEvent, error) {
	var list []models.SubmissionEvent
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at asc").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return list, nil
}

// HasKind reports whether an event of the given kind exists for the
// submission. The credit path uses this as its exactly-once guard.
func (r *Recorder) HasKind(tx *gorm.DB, submissionID uuid.UUID, kind models.SubmissionEventKind) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	var count int64
	if err := tx.Model(&models.SubmissionEvent{}).
		Where("submission_id = ? AND kind = ?", submissionID, kind).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count %s events: %w", kind, err)
	}
	return count > 0, nil
}

// DeleteForSubmission removes a submission's whole trail. Only the
// submission-delete path may call this, inside its transaction.
func (r *Recorder) DeleteForSubmission(tx *gorm.DB, submissionID uuid.UUID) error {
	if tx == nil {
		tx = r.db
	}

	if err := tx.Where("submission_id = ?", submissionID).
		Delete(&models.SubmissionEvent{}).Error; err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}
