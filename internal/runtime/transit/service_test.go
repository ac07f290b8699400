package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/transitd/internal/geo"
	"github.com/l0p7/transitd/internal/runtime/batch"
	"github.com/l0p7/transitd/internal/runtime/cache"
	"github.com/l0p7/transitd/internal/upstream"
)

type stubClient struct {
	routeCalls  atomic.Int64
	nearbyCalls atomic.Int64

	mu      sync.Mutex
	origins []geo.Point

	route  func(origin, destination geo.Point) (upstream.Route, error)
	nearby func(point geo.Point, radius int) ([]upstream.Station, error)
}

func (s *stubClient) Route(_ context.Context, origin, destination geo.Point) (upstream.Route, error) {
	s.routeCalls.Add(1)
	s.mu.Lock()
	s.origins = append(s.origins, origin)
	s.mu.Unlock()
	if s.route == nil {
		return upstream.Route{}, upstream.ErrNoRoute
	}
	return s.route(origin, destination)
}

func (s *stubClient) NearbyStations(_ context.Context, point geo.Point, radius int) ([]upstream.Station, error) {
	s.nearbyCalls.Add(1)
	if s.nearby == nil {
		return []upstream.Station{}, nil
	}
	return s.nearby(point, radius)
}

func oneStopRoute(geo.Point, geo.Point) (upstream.Route, error) {
	return upstream.Route{
		Duration: 1200 * time.Second,
		Steps: []upstream.Step{
			{TravelMode: upstream.TravelModeWalking, Duration: 120 * time.Second},
			{TravelMode: upstream.TravelModeTransit, Duration: 900 * time.Second, Transit: &upstream.TransitStop{
				Name:        "Cadorna",
				Location:    geo.Point{Lat: 45.468, Lng: 9.175},
				LineName:    "Linea 1",
				VehicleType: "SUBWAY",
			}},
		},
	}, nil
}

func walkingRoute(geo.Point, geo.Point) (upstream.Route, error) {
	return upstream.Route{
		Duration: 600 * time.Second,
		Steps:    []upstream.Step{{TravelMode: upstream.TravelModeWalking, Duration: 600 * time.Second}},
	}, nil
}

func twoStations(geo.Point, int) ([]upstream.Station, error) {
	return []upstream.Station{
		{Name: "Cadorna", Location: geo.Point{Lat: 45.468, Lng: 9.175}, Types: []string{"subway_station"}},
		{Name: "Via Boccaccio", Location: geo.Point{Lat: 45.469, Lng: 9.172}, Types: []string{"bus_station"}},
	}, nil
}

func newTestCache(t *testing.T) *cache.KeyedCache {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c, err := cache.New(context.Background(), store, cache.Options{Logger: quietLogger()})
	require.NoError(t, err)
	return c
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, client upstream.Client, c *cache.KeyedCache, workers int, opts Options) *Service {
	t.Helper()
	exec, err := batch.New(workers)
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	svc, err := NewService(client, c, exec, opts)
	require.NoError(t, err)
	return svc
}

func TestTransitInfoSingleProperty(t *testing.T) {
	var distanceArgs [2]geo.Point
	distance := func(a, b geo.Point) int {
		distanceArgs = [2]geo.Point{a, b}
		return 500
	}
	client := &stubClient{route: oneStopRoute}
	svc := newTestService(t, client, newTestCache(t), 10, Options{Distance: distance})

	destination := geo.Point{Lat: 45.46, Lng: 9.19}
	origin := geo.Point{Lat: 45.47, Lng: 9.17}
	got, err := svc.TransitInfo(context.Background(), Request{
		Destination: &destination,
		Properties:  []Property{{Code: "A1", Location: origin}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "A1", got[0].Code)
	require.Len(t, got[0].TransitLocations, 1)
	require.Equal(t, 500, got[0].TransitLocations[0].Distance)
	require.Equal(t, 120, *got[0].TransitLocations[0].WalkingTime)
	require.Equal(t, "Cadorna - Linea 1", got[0].TransitLocations[0].Name)
	require.Equal(t, 1200, got[0].Time)
	require.Equal(t, [2]geo.Point{origin, {Lat: 45.468, Lng: 9.175}}, distanceArgs)
}

func TestTransitInfoMemoizesAcrossRequests(t *testing.T) {
	client := &stubClient{route: oneStopRoute}
	c := newTestCache(t)
	svc := newTestService(t, client, c, 4, Options{})
	destination := geo.Point{Lat: 45.46, Lng: 9.19}
	req := Request{Destination: &destination, Properties: []Property{{Code: "A1"}, {Code: "B2"}}}

	first, err := svc.TransitInfo(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.TransitInfo(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int64(2), client.routeCalls.Load())
	require.Equal(t, 2, c.Len(cache.Info))
	require.True(t, c.Dirty())
}

func TestTransitInfoDropsFailedItemsAndKeepsOrder(t *testing.T) {
	client := &stubClient{route: func(origin, destination geo.Point) (upstream.Route, error) {
		if origin.Lat == 7 {
			return upstream.Route{}, errors.New("OVER_QUERY_LIMIT")
		}
		return oneStopRoute(origin, destination)
	}}
	svc := newTestService(t, client, newTestCache(t), 3, Options{})

	properties := make([]Property, 10)
	for i := range properties {
		properties[i] = Property{Code: fmt.Sprintf("P%02d", i), Location: geo.Point{Lat: float64(i)}}
	}
	destination := geo.Point{}
	got, err := svc.TransitInfo(context.Background(), Request{Destination: &destination, Properties: properties})
	require.NoError(t, err)
	require.Len(t, got, 9)

	codes := make([]string, 0, len(got))
	for _, info := range got {
		codes = append(codes, info.Code)
	}
	require.Equal(t, []string{"P00", "P01", "P02", "P03", "P04", "P05", "P06", "P08", "P09"}, codes)
}

func TestTransitInfoWithLocationsFallback(t *testing.T) {
	client := &stubClient{route: walkingRoute, nearby: twoStations}
	c := newTestCache(t)
	svc := newTestService(t, client, c, 2, Options{})
	destination := geo.Point{Lat: 45.46, Lng: 9.19}
	property := Property{Code: "A1", Location: geo.Point{Lat: 45.47, Lng: 9.17}}

	plain, err := svc.TransitInfo(context.Background(), Request{Destination: &destination, Properties: []Property{property}})
	require.NoError(t, err)
	require.Empty(t, plain[0].TransitLocations)
	require.Equal(t, int64(0), client.nearbyCalls.Load())

	got, err := svc.TransitInfo(context.Background(), Request{Destination: &destination, Properties: []Property{property}, WithLocations: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].TransitLocations, 2)
	require.Equal(t, TypeSubway, got[0].TransitLocations[0].Type)
	require.Equal(t, []string{TypeWalking}, got[0].TransitTypes)

	raw, ok := c.Fetch(cache.Info, "A1")
	require.True(t, ok)
	var cached Info
	require.NoError(t, json.Unmarshal(raw, &cached))
	require.Empty(t, cached.TransitLocations, "cached info record must stay unchanged")
	require.Equal(t, 1, c.Len(cache.Location))
}

func TestTransitInfoWithLocationsSkipsRoutesWithStops(t *testing.T) {
	client := &stubClient{route: oneStopRoute, nearby: twoStations}
	svc := newTestService(t, client, newTestCache(t), 2, Options{})
	destination := geo.Point{}
	got, err := svc.TransitInfo(context.Background(), Request{Destination: &destination, Properties: []Property{{Code: "A1"}}, WithLocations: true})
	require.NoError(t, err)
	require.Len(t, got[0].TransitLocations, 1)
	require.Equal(t, int64(0), client.nearbyCalls.Load())
}

func TestTransitInfoFallbackFailureKeepsInfo(t *testing.T) {
	client := &stubClient{route: walkingRoute, nearby: func(geo.Point, int) ([]upstream.Station, error) {
		return nil, errors.New("REQUEST_DENIED")
	}}
	svc := newTestService(t, client, newTestCache(t), 2, Options{})
	destination := geo.Point{}
	got, err := svc.TransitInfo(context.Background(), Request{Destination: &destination, Properties: []Property{{Code: "A1"}}, WithLocations: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, got[0].TransitLocations)
}

func TestTransitInfoValidation(t *testing.T) {
	svc := newTestService(t, &stubClient{route: oneStopRoute}, newTestCache(t), 2, Options{})

	_, err := svc.TransitInfo(context.Background(), Request{Properties: []Property{{Code: "A1"}}})
	require.ErrorIs(t, err, ErrDestinationRequired)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "destination", verr.Field)

	bad := geo.Point{Lat: 120}
	_, err = svc.TransitInfo(context.Background(), Request{Destination: &bad})
	require.ErrorAs(t, err, &verr)

	ok := geo.Point{}
	_, err = svc.TransitInfo(context.Background(), Request{Destination: &ok, Properties: []Property{{Code: "A1", Location: geo.Point{Lng: 200}}}})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "properties[0].location", verr.Field)
}

func TestTransitInfoEmptyBatch(t *testing.T) {
	client := &stubClient{route: oneStopRoute}
	svc := newTestService(t, client, newTestCache(t), 2, Options{})
	destination := geo.Point{}
	got, err := svc.TransitInfo(context.Background(), Request{Destination: &destination})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
	require.Equal(t, int64(0), client.routeCalls.Load())
}

func TestNearbyLocations(t *testing.T) {
	var radii []int
	var mu sync.Mutex
	client := &stubClient{nearby: func(p geo.Point, radius int) ([]upstream.Station, error) {
		mu.Lock()
		radii = append(radii, radius)
		mu.Unlock()
		return twoStations(p, radius)
	}}
	svc := newTestService(t, client, newTestCache(t), 2, Options{NearbyRadius: 750})

	req := Request{Properties: []Property{{Code: "A1"}, {Code: "B2"}, {Code: "A1"}}}
	got, err := svc.NearbyLocations(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"A1", "B2", "A1"}, []string{got[0].Code, got[1].Code, got[2].Code})
	require.Len(t, got[1].TransitLocations, 2)
	require.Equal(t, TypeBus, got[1].TransitLocations[1].Type)

	_, err = svc.NearbyLocations(context.Background(), req)
	require.NoError(t, err)
	require.LessOrEqual(t, client.nearbyCalls.Load(), int64(3))
	for _, r := range radii {
		require.Equal(t, 750, r)
	}
}

func TestLocationFilterAppliesToResponseOnly(t *testing.T) {
	client := &stubClient{nearby: twoStations}
	c := newTestCache(t)
	svc := newTestService(t, client, c, 2, Options{LocationFilter: `location.type == "SUBWAY"`})

	got, err := svc.NearbyLocations(context.Background(), Request{Properties: []Property{{Code: "A1"}}})
	require.NoError(t, err)
	require.Len(t, got[0].TransitLocations, 1)
	require.Equal(t, "Cadorna", got[0].TransitLocations[0].Name)

	raw, ok := c.Fetch(cache.Location, "A1")
	require.True(t, ok)
	var cached Nearby
	require.NoError(t, json.Unmarshal(raw, &cached))
	require.Len(t, cached.TransitLocations, 2)

	require.NoError(t, svc.Reload("", ""))
	got, err = svc.NearbyLocations(context.Background(), Request{Properties: []Property{{Code: "A1"}}})
	require.NoError(t, err)
	require.Len(t, got[0].TransitLocations, 2)
	require.Equal(t, int64(1), client.nearbyCalls.Load())
}

func TestLocationFilterUsesWalkingTime(t *testing.T) {
	client := &stubClient{route: oneStopRoute}
	svc := newTestService(t, client, newTestCache(t), 1, Options{
		LocationFilter: `lookup(location, "walking_time") != null && lookup(location, "walking_time") < 60`,
	})
	destination := geo.Point{}
	got, err := svc.TransitInfo(context.Background(), Request{Destination: &destination, Properties: []Property{{Code: "A1"}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, got[0].TransitLocations)
	require.NotNil(t, got[0].TransitLocations)
}

func TestReloadRejectsInvalidInputAtomically(t *testing.T) {
	client := &stubClient{nearby: twoStations}
	svc := newTestService(t, client, newTestCache(t), 2, Options{LocationFilter: `location.type == "BUS"`})

	require.Error(t, svc.Reload("{{ .Stop ", ""))
	require.Error(t, svc.Reload("", "location.type =="))

	got, err := svc.NearbyLocations(context.Background(), Request{Properties: []Property{{Code: "A1"}}})
	require.NoError(t, err)
	require.Len(t, got[0].TransitLocations, 1)
	require.Equal(t, TypeBus, got[0].TransitLocations[0].Type)
}

func TestStationNameTemplateOption(t *testing.T) {
	client := &stubClient{route: oneStopRoute}
	svc := newTestService(t, client, newTestCache(t), 1, Options{StationNameTemplate: `{{ .Stop }} [{{ .Vehicle }}]`})
	destination := geo.Point{}
	got, err := svc.TransitInfo(context.Background(), Request{Destination: &destination, Properties: []Property{{Code: "A1"}}})
	require.NoError(t, err)
	require.Equal(t, "Cadorna [SUBWAY]", got[0].TransitLocations[0].Name)
}

func TestNewServiceValidation(t *testing.T) {
	c := newTestCache(t)
	exec, err := batch.New(1)
	require.NoError(t, err)
	client := &stubClient{}

	_, err = NewService(nil, c, exec, Options{})
	require.Error(t, err)
	_, err = NewService(client, nil, exec, Options{})
	require.Error(t, err)
	_, err = NewService(client, c, nil, Options{})
	require.Error(t, err)
	_, err = NewService(client, c, exec, Options{LocationFilter: "location.distance >"})
	require.Error(t, err)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "destination", Err: ErrDestinationRequired}
	require.Equal(t, "destination: transit: destination required", err.Error())
	require.Equal(t, "boom", (&ValidationError{Err: errors.New("boom")}).Error())
}
