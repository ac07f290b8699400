// Package transit resolves per-property transit information and nearby
// stations, memoized in the keyed cache and fanned out over the batch
// executor.
package transit

import (
	"errors"
	"fmt"

	"github.com/l0p7/transitd/internal/geo"
)

// ErrDestinationRequired rejects a transit request without a destination.
var ErrDestinationRequired = errors.New("transit: destination required")

// ValidationError reports a malformed request. Handlers map it to 400.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Property is one batch item. Code keys the cache; Location is the origin.
type Property struct {
	Code     string    `json:"code"`
	Location geo.Point `json:"location"`
}

// Request is the body shared by both lookup endpoints.
type Request struct {
	Destination   *geo.Point `json:"destination,omitempty"`
	Properties    []Property `json:"properties"`
	WithLocations bool       `json:"with_locations,omitempty"`
}

// Location is a stop or station reachable from a property. WalkingTime is set
// only for stops derived from a route.
type Location struct {
	Location    geo.Point `json:"location"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Distance    int       `json:"distance"`
	WalkingTime *int      `json:"walking_time,omitempty"`
}

// Info is the cached route summary for a property (Info namespace).
type Info struct {
	Code             string     `json:"code"`
	Time             int        `json:"time"`
	TransitTypes     []string   `json:"transit_types"`
	TransitLocations []Location `json:"transit_locations"`
}

// Nearby is the cached station list for a property (Location namespace).
type Nearby struct {
	Code             string     `json:"code"`
	TransitLocations []Location `json:"transit_locations"`
}

func propertyCode(p Property) string { return p.Code }

func validateProperties(properties []Property) error {
	for i, p := range properties {
		if !p.Location.Valid() {
			return &ValidationError{
				Field: fmt.Sprintf("properties[%d].location", i),
				Err:   fmt.Errorf("coordinates out of range: %s", p.Location),
			}
		}
	}
	return nil
}
