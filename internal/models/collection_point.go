package models

// CollectionPoint is a registered physical location where eco-actions are
// expected to occur. Points are created by operations staff and never
// deleted, only deactivated, so submissions keep their referential history.
type CollectionPoint struct {
	Base
	// Seq is a monotonically assigned ordinal used wherever a stable,
	// comparable identifier is needed (e.g. deterministic tie-breaks
	// between equidistant points). The UUID stays the external identity.
	Seq          int64   `gorm:"uniqueIndex;not null" json:"seq"`
	Name         string  `gorm:"type:varchar(255);not null" json:"name"`
	Slug         string  `gorm:"type:varchar(255);uniqueIndex;not null" json:"slug"`
	Latitude     float64 `gorm:"not null" json:"latitude"`
	Longitude    float64 `gorm:"not null" json:"longitude"`
	RadiusMeters float64 `gorm:"not null;default:100" json:"radius_meters"`
	Active       bool    `gorm:"default:true;index" json:"active"`
}
