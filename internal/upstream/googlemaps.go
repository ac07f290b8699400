package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"googlemaps.github.io/maps"

	"github.com/l0p7/transitd/internal/geo"
	"github.com/l0p7/transitd/internal/metrics"
)

const tracerName = "github.com/l0p7/transitd/internal/upstream"

// stationPlaceTypes is the nearby search order. The first type with results wins.
var stationPlaceTypes = []maps.PlaceType{
	maps.PlaceTypeSubwayStation,
	maps.PlaceTypeBusStation,
	maps.PlaceType("light_rail_station"),
}

// mapsAPI is the subset of *maps.Client the adapter uses.
type mapsAPI interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
	NearbySearch(ctx context.Context, r *maps.NearbySearchRequest) (maps.PlacesSearchResponse, error)
}

// GoogleMapsConfig mirrors the upstream.* configuration block.
type GoogleMapsConfig struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit int
}

// Options carries the ambient collaborators of an adapter.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Tracer  trace.Tracer
}

// GoogleMaps resolves routes and stations through the Google Maps web services.
type GoogleMaps struct {
	api     mapsAPI
	logger  *slog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

func NewGoogleMaps(cfg GoogleMapsConfig, opts Options) (*GoogleMaps, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	clientOpts := []maps.ClientOption{
		maps.WithAPIKey(key),
		maps.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientOpts = append(clientOpts, maps.WithBaseURL(base))
	}
	if cfg.RateLimit > 0 {
		clientOpts = append(clientOpts, maps.WithRateLimit(cfg.RateLimit))
	}
	client, err := maps.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("upstream: build maps client: %w", err)
	}
	return newGoogleMaps(client, opts), nil
}

func newGoogleMaps(api mapsAPI, opts Options) *GoogleMaps {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &GoogleMaps{
		api:     api,
		logger:  logger.With(slog.String("agent", "upstream")),
		metrics: opts.Metrics,
		tracer:  tracer,
	}
}

// Route requests transit directions and returns the first leg of the first route.
func (g *GoogleMaps) Route(ctx context.Context, origin, destination geo.Point) (route Route, err error) {
	ctx, finish := g.observe(ctx, "directions",
		attribute.String("origin", origin.String()),
		attribute.String("destination", destination.String()),
	)
	defer func() { finish(err) }()

	routes, _, err := g.api.Directions(ctx, &maps.DirectionsRequest{
		Origin:      origin.String(),
		Destination: destination.String(),
		Mode:        maps.TravelModeTransit,
	})
	if err != nil {
		return Route{}, fmt.Errorf("upstream: directions: %w", err)
	}
	return routeFromMaps(routes)
}

// NearbyStations searches each station place type in order and returns the
// results of the first type that yields any.
func (g *GoogleMaps) NearbyStations(ctx context.Context, point geo.Point, radius int) (stations []Station, err error) {
	if radius <= 0 {
		radius = DefaultNearbyRadius
	}
	ctx, finish := g.observe(ctx, "nearby_search",
		attribute.String("location", point.String()),
		attribute.Int("radius", radius),
	)
	defer func() { finish(err) }()

	location := &maps.LatLng{Lat: point.Lat, Lng: point.Lng}
	for _, placeType := range stationPlaceTypes {
		resp, err := g.api.NearbySearch(ctx, &maps.NearbySearchRequest{
			Location: location,
			Radius:   uint(radius),
			Type:     placeType,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream: nearby search %s: %w", placeType, err)
		}
		if len(resp.Results) > 0 {
			return stationsFromMaps(resp.Results), nil
		}
		g.logger.Debug("no stations of type", slog.String("type", string(placeType)), slog.String("location", point.String()))
	}
	return []Station{}, nil
}

// observe opens a span for one upstream operation and returns the closer that
// records latency, outcome and error status.
func (g *GoogleMaps) observe(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "maps."+operation, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		duration := time.Since(start)
		g.metrics.ObserveUpstream(operation, err, duration)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			g.logger.Warn("upstream call failed",
				slog.String("operation", operation),
				slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
				slog.Any("error", err),
			)
		}
		span.End()
	}
}

func routeFromMaps(routes []maps.Route) (Route, error) {
	if len(routes) == 0 || len(routes[0].Legs) == 0 || routes[0].Legs[0] == nil {
		return Route{}, ErrNoRoute
	}
	leg := routes[0].Legs[0]
	out := Route{
		Duration: leg.Duration,
		Steps:    make([]Step, 0, len(leg.Steps)),
	}
	for _, s := range leg.Steps {
		if s == nil {
			continue
		}
		step := Step{
			TravelMode: strings.ToUpper(s.TravelMode),
			Duration:   s.Duration,
		}
		if td := s.TransitDetails; td != nil {
			step.Transit = &TransitStop{
				Name:          td.DepartureStop.Name,
				Location:      geo.Point{Lat: td.DepartureStop.Location.Lat, Lng: td.DepartureStop.Location.Lng},
				LineName:      td.Line.Name,
				LineShortName: td.Line.ShortName,
				VehicleType:   td.Line.Vehicle.Type,
			}
		}
		out.Steps = append(out.Steps, step)
	}
	return out, nil
}

func stationsFromMaps(results []maps.PlacesSearchResult) []Station {
	stations := make([]Station, 0, len(results))
	for _, r := range results {
		stations = append(stations, Station{
			Name:     r.Name,
			Location: geo.Point{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
			Types:    append([]string(nil), r.Types...),
		})
	}
	return stations
}
