package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"googlemaps.github.io/maps"

	"github.com/l0p7/transitd/internal/geo"
	"github.com/l0p7/transitd/internal/metrics"
)

type fakeMaps struct {
	mu         sync.Mutex
	routes     []maps.Route
	routeErr   error
	nearby     map[maps.PlaceType][]maps.PlacesSearchResult
	nearbyErr  error
	directions []*maps.DirectionsRequest
	searches   []*maps.NearbySearchRequest
}

func (f *fakeMaps) Directions(_ context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directions = append(f.directions, r)
	return f.routes, nil, f.routeErr
}

func (f *fakeMaps) NearbySearch(_ context.Context, r *maps.NearbySearchRequest) (maps.PlacesSearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, r)
	if f.nearbyErr != nil {
		return maps.PlacesSearchResponse{}, f.nearbyErr
	}
	return maps.PlacesSearchResponse{Results: f.nearby[r.Type]}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewGoogleMapsRequiresAPIKey(t *testing.T) {
	_, err := NewGoogleMaps(GoogleMapsConfig{APIKey: "  "}, Options{})
	require.ErrorIs(t, err, ErrMissingAPIKey)

	client, err := NewGoogleMaps(GoogleMapsConfig{APIKey: "AIzaTestKey", BaseURL: "http://127.0.0.1:1/", RateLimit: 5, Timeout: time.Second}, Options{})
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestRouteConvertsFirstLeg(t *testing.T) {
	fake := &fakeMaps{routes: []maps.Route{{
		Legs: []*maps.Leg{{
			Duration: 25 * time.Minute,
			Steps: []*maps.Step{
				{TravelMode: "WALKING", Duration: 2 * time.Minute},
				{
					TravelMode: "TRANSIT",
					Duration:   15 * time.Minute,
					TransitDetails: &maps.TransitDetails{
						DepartureStop: maps.TransitStop{Name: "Duomo", Location: maps.LatLng{Lat: 45.464, Lng: 9.19}},
						Line: maps.TransitLine{
							Name:      "Linea 1",
							ShortName: "M1",
							Vehicle:   maps.TransitLineVehicle{Type: "SUBWAY"},
						},
					},
				},
			},
		}},
	}}}
	client := newGoogleMaps(fake, Options{Logger: quietLogger()})

	route, err := client.Route(context.Background(), geo.Point{Lat: 45.47, Lng: 9.17}, geo.Point{Lat: 45.46, Lng: 9.19})
	require.NoError(t, err)
	require.Equal(t, 25*time.Minute, route.Duration)
	require.Len(t, route.Steps, 2)
	require.Nil(t, route.Steps[0].Transit)
	require.Equal(t, &TransitStop{
		Name:          "Duomo",
		Location:      geo.Point{Lat: 45.464, Lng: 9.19},
		LineName:      "Linea 1",
		LineShortName: "M1",
		VehicleType:   "SUBWAY",
	}, route.Steps[1].Transit)

	require.Len(t, fake.directions, 1)
	require.Equal(t, "45.47,9.17", fake.directions[0].Origin)
	require.Equal(t, "45.46,9.19", fake.directions[0].Destination)
	require.Equal(t, maps.TravelModeTransit, fake.directions[0].Mode)
}

func TestRouteWithoutResultsIsNoRoute(t *testing.T) {
	client := newGoogleMaps(&fakeMaps{}, Options{Logger: quietLogger()})
	_, err := client.Route(context.Background(), geo.Point{}, geo.Point{Lat: 1})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestRouteRecordsFailureMetricAndSpan(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)
	spans := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(spans))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	fake := &fakeMaps{routeErr: errors.New("OVER_QUERY_LIMIT")}
	client := newGoogleMaps(fake, Options{Logger: quietLogger(), Metrics: recorder, Tracer: provider.Tracer("test")})

	_, err := client.Route(context.Background(), geo.Point{}, geo.Point{Lat: 1})
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var failures float64
	for _, mf := range families {
		if mf.GetName() != "transitd_upstream_calls_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == "error" {
					failures += m.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, float64(1), failures)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "maps.directions", ended[0].Name())
	require.Len(t, ended[0].Events(), 1)
}

func TestNearbyStationsFallsBackThroughPlaceTypes(t *testing.T) {
	cases := []struct {
		name     string
		nearby   map[maps.PlaceType][]maps.PlacesSearchResult
		searches int
		want     []string
	}{
		{
			name: "subway found first",
			nearby: map[maps.PlaceType][]maps.PlacesSearchResult{
				maps.PlaceTypeSubwayStation: {{Name: "Cadorna", Types: []string{"subway_station"}}},
				maps.PlaceTypeBusStation:    {{Name: "Bus 61"}},
			},
			searches: 1,
			want:     []string{"Cadorna"},
		},
		{
			name: "bus after empty subway",
			nearby: map[maps.PlaceType][]maps.PlacesSearchResult{
				maps.PlaceTypeBusStation: {{Name: "Bus 61"}, {Name: "Bus 94"}},
			},
			searches: 2,
			want:     []string{"Bus 61", "Bus 94"},
		},
		{
			name: "light rail last",
			nearby: map[maps.PlaceType][]maps.PlacesSearchResult{
				maps.PlaceType("light_rail_station"): {{Name: "Tram 2"}},
			},
			searches: 3,
			want:     []string{"Tram 2"},
		},
		{
			name:     "nothing nearby",
			searches: 3,
			want:     []string{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeMaps{nearby: tc.nearby}
			client := newGoogleMaps(fake, Options{Logger: quietLogger()})

			stations, err := client.NearbyStations(context.Background(), geo.Point{Lat: 45.47, Lng: 9.17}, 0)
			require.NoError(t, err)
			require.Len(t, fake.searches, tc.searches)
			require.Equal(t, uint(DefaultNearbyRadius), fake.searches[0].Radius)

			names := make([]string, 0, len(stations))
			for _, s := range stations {
				names = append(names, s.Name)
			}
			require.Equal(t, tc.want, names)
		})
	}
}

func TestNearbyStationsPropagatesErrors(t *testing.T) {
	fake := &fakeMaps{nearbyErr: errors.New("REQUEST_DENIED")}
	client := newGoogleMaps(fake, Options{Logger: quietLogger()})
	_, err := client.NearbyStations(context.Background(), geo.Point{}, 300)
	require.Error(t, err)
	require.Len(t, fake.searches, 1)
	require.Equal(t, uint(300), fake.searches[0].Radius)
}

func TestStationsFromMapsCopiesFields(t *testing.T) {
	results := []maps.PlacesSearchResult{{
		Name:     "Cadorna",
		Geometry: maps.AddressGeometry{Location: maps.LatLng{Lat: 45.468, Lng: 9.175}},
		Types:    []string{"subway_station", "transit_station"},
	}}
	stations := stationsFromMaps(results)
	require.Equal(t, []Station{{
		Name:     "Cadorna",
		Location: geo.Point{Lat: 45.468, Lng: 9.175},
		Types:    []string{"subway_station", "transit_station"},
	}}, stations)
	results[0].Types[0] = "changed"
	require.Equal(t, "subway_station", stations[0].Types[0])
}
