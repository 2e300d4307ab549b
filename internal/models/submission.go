package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubmissionStatus is the lifecycle state of a submission
type SubmissionStatus string

const (
	SubmissionStatusQueued       SubmissionStatus = "queued"
	SubmissionStatusAutoVerified SubmissionStatus = "auto_verified"
	SubmissionStatusNeedsReview  SubmissionStatus = "needs_review"
	SubmissionStatusApproved     SubmissionStatus = "approved"
	SubmissionStatusRejected     SubmissionStatus = "rejected"
)

// submissionTransitions is the full legal-transition graph. approved and
// rejected are terminal.
var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionStatusQueued:       {SubmissionStatusAutoVerified, SubmissionStatusNeedsReview, SubmissionStatusRejected},
	SubmissionStatusAutoVerified: {SubmissionStatusApproved, SubmissionStatusRejected},
	SubmissionStatusNeedsReview:  {SubmissionStatusApproved, SubmissionStatusRejected},
	SubmissionStatusApproved:     {},
	SubmissionStatusRejected:     {},
}

// CanTransitionTo reports whether moving from s to next follows the graph.
func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	for _, allowed := range submissionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is legal from s.
func (s SubmissionStatus) IsTerminal() bool {
	return len(submissionTransitions[s]) == 0
}

// Submission represents one piece of video evidence working its way from
// intake to a terminal decision. Media and thumbnail references are opaque
// storage keys; the storage collaborator owns the bytes.
type Submission struct {
	ID                uuid.UUID        `gorm:"type:uuid;primary_key" json:"id"`
	UserID            uuid.UUID        `gorm:"type:uuid;index;not null" json:"user_id"`
	CollectionPointID uuid.UUID        `gorm:"type:uuid;index;not null" json:"collection_point_id"`
	VideoKey          string           `gorm:"type:varchar(255);not null" json:"video_key"`
	ThumbnailKey      *string          `gorm:"type:varchar(255)" json:"thumbnail_key"`
	Latitude          float64          `gorm:"not null" json:"latitude"`
	Longitude         float64          `gorm:"not null" json:"longitude"`
	RecordedAt        time.Time        `gorm:"not null" json:"recorded_at"`
	DeviceFingerprint string           `gorm:"type:varchar(255)" json:"device_fingerprint"`
	Status            SubmissionStatus `gorm:"type:varchar(20);not null;default:'queued';index" json:"status"`
	DurationSeconds   *float64         `json:"duration_seconds"`
	SizeBytes         *int64           `json:"size_bytes"`
	Width             *int             `json:"width"`
	Height            *int             `json:"height"`
	Codec             *string          `gorm:"type:varchar(50)" json:"codec"`
	Fingerprint       *string          `gorm:"type:varchar(80);index" json:"fingerprint"`
	AutoScore         *int             `json:"auto_score"`
	RejectReason      string           `gorm:"type:text" json:"reject_reason"`
	ReviewedBy        *uuid.UUID       `gorm:"type:uuid" json:"reviewed_by"`
	ReviewedAt        *time.Time       `json:"reviewed_at"`
	VerifiedAt        *time.Time       `json:"verified_at"`
	CreatedAt         time.Time        `gorm:"default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt         gorm.DeletedAt   `gorm:"index" json:"-"`
}

// BeforeCreate assigns the UUID primary key
func (s *Submission) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SubmissionEventKind identifies what happened to a submission
type SubmissionEventKind string

const (
	EventSubmissionCreated SubmissionEventKind = "created"
	EventAutoVerified      SubmissionEventKind = "auto_verified"
	EventNeedsReview       SubmissionEventKind = "needs_review"
	EventApproved          SubmissionEventKind = "approved"
	EventRejected          SubmissionEventKind = "rejected"
	EventPointsCredited    SubmissionEventKind = "points_credited"
)

// SubmissionEvent is an append-only audit fact. Events are never updated,
// and only removed when their submission is deleted in the same transaction.
type SubmissionEvent struct {
	ID           uuid.UUID           `gorm:"type:uuid;primary_key" json:"id"`
	SubmissionID uuid.UUID           `gorm:"type:uuid;index;not null" json:"submission_id"`
	ActorID      *uuid.UUID          `gorm:"type:uuid" json:"actor_id"`
	Kind         SubmissionEventKind `gorm:"type:varchar(30);not null" json:"kind"`
	MetaData     JSON                `gorm:"type:jsonb" json:"metadata"`
	CreatedAt    time.Time           `gorm:"default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

// BeforeCreate assigns the UUID primary key
func (e *SubmissionEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
