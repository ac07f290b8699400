package transit

import (
	"time"

	"github.com/l0p7/transitd/internal/geo"
	"github.com/l0p7/transitd/internal/templates"
	"github.com/l0p7/transitd/internal/upstream"
)

const (
	TypeWalking   = "WALKING"
	TypeSubway    = "SUBWAY"
	TypeBus       = "BUS"
	TypeLightRail = "LIGHT_RAIL"
	TypeTransit   = "TRANSIT"
)

// DistanceFunc returns whole meters between two points.
type DistanceFunc func(a, b geo.Point) int

// stopNamer renders a display name; errors still carry a usable fallback.
type stopNamer func(templates.StationName) (string, error)

// firstTransitStop walks the route until its first transit step and returns
// the departure stop with the walking seconds accumulated before it.
func firstTransitStop(route upstream.Route, name stopNamer) (Location, bool, error) {
	var walking time.Duration
	for _, step := range route.Steps {
		switch step.TravelMode {
		case upstream.TravelModeWalking:
			walking += step.Duration
		case upstream.TravelModeTransit:
			if step.Transit == nil {
				continue
			}
			stop := step.Transit
			display, err := name(templates.StationName{
				Stop:      stop.Name,
				Line:      stop.LineName,
				ShortName: stop.LineShortName,
				Vehicle:   stop.VehicleType,
			})
			walkingSeconds := int(walking / time.Second)
			return Location{
				Location:    stop.Location,
				Name:        display,
				Type:        stop.VehicleType,
				WalkingTime: &walkingSeconds,
			}, true, err
		}
	}
	return Location{}, false, nil
}

// extractInfo builds the Info record for one property. The returned error is
// a naming failure only; the record is complete either way.
func extractInfo(p Property, route upstream.Route, name stopNamer, distance DistanceFunc) (Info, error) {
	info := Info{
		Code:             p.Code,
		Time:             int(route.Duration / time.Second),
		TransitTypes:     []string{TypeWalking},
		TransitLocations: []Location{},
	}
	stop, ok, err := firstTransitStop(route, name)
	if ok {
		stop.Distance = distance(p.Location, stop.Location)
		info.TransitLocations = append(info.TransitLocations, stop)
		info.TransitTypes = append(info.TransitTypes, stop.Type)
	}
	return info, err
}

// stationType maps place types to a vehicle type. The first recognised place
// type wins.
func stationType(placeTypes []string) string {
	for _, t := range placeTypes {
		switch t {
		case "subway_station":
			return TypeSubway
		case "bus_station":
			return TypeBus
		case "light_rail_station":
			return TypeLightRail
		}
	}
	return TypeTransit
}

func extractNearby(p Property, stations []upstream.Station, distance DistanceFunc) Nearby {
	nearby := Nearby{
		Code:             p.Code,
		TransitLocations: make([]Location, 0, len(stations)),
	}
	for _, s := range stations {
		nearby.TransitLocations = append(nearby.TransitLocations, Location{
			Location: s.Location,
			Name:     s.Name,
			Type:     stationType(s.Types),
			Distance: distance(p.Location, s.Location),
		})
	}
	return nearby
}
