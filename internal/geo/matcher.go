// Package geo resolves capture coordinates to registered collection points.
package geo

import (
	"context"
	"fmt"
	"math"

	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/models"
	"gorm.io/gorm"
)

// earthRadiusMeters is the mean Earth radius used for great-circle distances.
const earthRadiusMeters = 6371000.0

// Distance returns the haversine great-circle distance in meters between
// two coordinate pairs.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Matcher finds the collection point covering a set of coordinates.
type Matcher struct {
	db *gorm.DB
}

// NewMatcher creates a new Matcher
func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{db: db}
}

// Match is the result of a successful lookup.
type Match struct {
	Point    models.CollectionPoint
	Distance float64 // meters from the query coordinates to the point center
}

// FindNearestActivePoint returns the active collection point nearest to the
// given coordinates, provided the distance is within that point's own
// radius (boundary inclusive). Equidistant candidates resolve to the point
// with the smaller seq so repeated lookups stay deterministic.
func (m *Matcher) FindNearestActivePoint(ctx context.Context, lat, lng float64) (*Match, error) {
	var points []models.CollectionPoint
	if err := m.db.WithContext(ctx).
		Where("active = ?", true).
		Order("seq asc").
		Find(&points).Error; err != nil {
		return nil, fmt.Errorf("failed to load collection points: %w", err)
	}

	var best *Match
	for i := range points {
		d := Distance(lat, lng, points[i].Latitude, points[i].Longitude)
		if d > points[i].RadiusMeters {
			continue
		}
		// Strict < plus seq-ordered iteration keeps the smaller seq on ties.
		if best == nil || d < best.Distance {
			best = &Match{Point: points[i], Distance: d}
		}
	}

	if best == nil {
		return nil, errs.ErrLocationOutOfRange
	}
	return best, nil
}
