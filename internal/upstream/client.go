// Package upstream talks to the mapping service that resolves transit routes
// and nearby stations.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/l0p7/transitd/internal/geo"
)

// TravelModeWalking and TravelModeTransit are the step modes route extraction
// cares about. Other modes are passed through untouched.
const (
	TravelModeWalking = "WALKING"
	TravelModeTransit = "TRANSIT"
)

// DefaultNearbyRadius is the station search radius in meters.
const DefaultNearbyRadius = 500

var (
	// ErrNoRoute means the service answered but found no transit route.
	ErrNoRoute = errors.New("upstream: no route found")
	// ErrMissingAPIKey is a configuration error raised at construction.
	ErrMissingAPIKey = errors.New("upstream: api key required")
)

// Client is the mapping service as seen by the transit domain.
type Client interface {
	Route(ctx context.Context, origin, destination geo.Point) (Route, error)
	NearbyStations(ctx context.Context, point geo.Point, radius int) ([]Station, error)
}

// Route is the first leg of the first route returned for a transit query.
type Route struct {
	Duration time.Duration
	Steps    []Step
}

// Step is one leg segment. Transit is set only for TRANSIT steps.
type Step struct {
	TravelMode string
	Duration   time.Duration
	Transit    *TransitStop
}

// TransitStop describes where a transit step departs and which line it rides.
type TransitStop struct {
	Name          string
	Location      geo.Point
	LineName      string
	LineShortName string
	VehicleType   string
}

// Station is a nearby place search result.
type Station struct {
	Name     string
	Location geo.Point
	Types    []string
}
