package transit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/l0p7/transitd/internal/expr"
	"github.com/l0p7/transitd/internal/geo"
	"github.com/l0p7/transitd/internal/metrics"
	"github.com/l0p7/transitd/internal/runtime/batch"
	"github.com/l0p7/transitd/internal/runtime/cache"
	"github.com/l0p7/transitd/internal/runtime/memo"
	"github.com/l0p7/transitd/internal/templates"
	"github.com/l0p7/transitd/internal/upstream"
)

// Endpoint names used for metrics, logs and the filter's endpoint variable.
const (
	EndpointTransit   = "transit"
	EndpointLocations = "locations"
)

// Options tunes a Service.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// NearbyRadius is the station search radius in meters.
	NearbyRadius int
	// Timeout bounds each upstream-backed computation.
	Timeout        time.Duration
	DedupeInflight bool

	StationNameTemplate string
	LocationFilter      string

	// Distance overrides the great-circle distance, mainly for tests.
	Distance DistanceFunc
}

// Service answers batched transit lookups.
type Service struct {
	client   upstream.Client
	executor *batch.Executor
	logger   *slog.Logger
	metrics  *metrics.Recorder
	radius   int
	distance DistanceFunc

	renderer *templates.Renderer
	env      *expr.Environment
	namer    atomic.Pointer[templates.StationNamer]
	filter   atomic.Pointer[expr.LocationFilter]

	info   *memo.Fetcher[Property, geo.Point, Info]
	nearby *memo.Fetcher[Property, struct{}, Nearby]
}

func NewService(client upstream.Client, c *cache.KeyedCache, executor *batch.Executor, opts Options) (*Service, error) {
	if client == nil {
		return nil, errors.New("transit: upstream client required")
	}
	if c == nil {
		return nil, errors.New("transit: cache required")
	}
	if executor == nil {
		return nil, errors.New("transit: batch executor required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	radius := opts.NearbyRadius
	if radius <= 0 {
		radius = upstream.DefaultNearbyRadius
	}
	distance := opts.Distance
	if distance == nil {
		distance = geo.DistanceMeters
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}

	s := &Service{
		client:   client,
		executor: executor,
		logger:   logger.With(slog.String("agent", "transit")),
		metrics:  opts.Metrics,
		radius:   radius,
		distance: distance,
		renderer: templates.NewRenderer(),
		env:      env,
	}
	if err := s.Reload(opts.StationNameTemplate, opts.LocationFilter); err != nil {
		return nil, err
	}

	memoOpts := memo.Options{Timeout: opts.Timeout, DedupeInflight: opts.DedupeInflight}
	s.info = memo.New(c, cache.Info, propertyCode, s.computeInfo, memoOpts)
	s.nearby = memo.New(c, cache.Location, propertyCode, s.computeNearby, memoOpts)
	return s, nil
}

// Reload swaps the station name template and location filter. Nothing is
// applied unless both compile. Names already cached keep their old form.
func (s *Service) Reload(stationNameTemplate, locationFilter string) error {
	namer, err := templates.NewStationNamer(s.renderer, stationNameTemplate)
	if err != nil {
		return fmt.Errorf("transit: station name template: %w", err)
	}
	filter, err := expr.NewLocationFilter(s.env, locationFilter)
	if err != nil {
		return fmt.Errorf("transit: location filter: %w", err)
	}
	s.namer.Store(namer)
	s.filter.Store(filter)
	return nil
}

// TransitInfo resolves route-derived transit info for every property. Items
// whose lookup fails are logged and left out; the rest keep request order.
// With WithLocations, properties whose route has no transit stop get their
// nearby stations in the response instead.
func (s *Service) TransitInfo(ctx context.Context, req Request) ([]Info, error) {
	if req.Destination == nil {
		return nil, &ValidationError{Field: "destination", Err: ErrDestinationRequired}
	}
	if !req.Destination.Valid() {
		return nil, &ValidationError{Field: "destination", Err: fmt.Errorf("coordinates out of range: %s", req.Destination)}
	}
	if err := validateProperties(req.Properties); err != nil {
		return nil, err
	}
	destination := *req.Destination

	start := time.Now()
	results, err := batch.Run(ctx, s.executor, req.Properties, func(ctx context.Context, chunk []Property) ([]Info, error) {
		out := make([]Info, 0, len(chunk))
		for _, p := range chunk {
			info, err := s.info.Get(ctx, p, destination)
			if err != nil {
				s.itemFailed(ctx, EndpointTransit, p, err)
				continue
			}
			if req.WithLocations && len(info.TransitLocations) == 0 {
				info = s.withNearby(ctx, p, info)
			}
			info.TransitLocations = s.applyFilter(ctx, EndpointTransit, p, info.TransitLocations)
			out = append(out, info)
		}
		return out, nil
	})
	s.finish(ctx, EndpointTransit, len(req.Properties), len(results), start, err)
	return results, nil
}

// NearbyLocations resolves the stations around every property.
func (s *Service) NearbyLocations(ctx context.Context, req Request) ([]Nearby, error) {
	if err := validateProperties(req.Properties); err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := batch.Run(ctx, s.executor, req.Properties, func(ctx context.Context, chunk []Property) ([]Nearby, error) {
		out := make([]Nearby, 0, len(chunk))
		for _, p := range chunk {
			nearby, err := s.nearby.Get(ctx, p, struct{}{})
			if err != nil {
				s.itemFailed(ctx, EndpointLocations, p, err)
				continue
			}
			nearby.TransitLocations = s.applyFilter(ctx, EndpointLocations, p, nearby.TransitLocations)
			out = append(out, nearby)
		}
		return out, nil
	})
	s.finish(ctx, EndpointLocations, len(req.Properties), len(results), start, err)
	return results, nil
}

func (s *Service) computeInfo(ctx context.Context, p Property, destination geo.Point) (Info, error) {
	route, err := s.client.Route(ctx, p.Location, destination)
	if err != nil {
		return Info{}, err
	}
	info, err := extractInfo(p, route, s.namer.Load().Name, s.distance)
	if err != nil {
		s.logger.WarnContext(ctx, "station name template failed",
			slog.String("code", p.Code),
			slog.Any("error", err),
		)
	}
	return info, nil
}

func (s *Service) computeNearby(ctx context.Context, p Property, _ struct{}) (Nearby, error) {
	stations, err := s.client.NearbyStations(ctx, p.Location, s.radius)
	if err != nil {
		return Nearby{}, err
	}
	return extractNearby(p, stations, s.distance), nil
}

// withNearby substitutes the property's nearby stations into a response copy
// of info. A failed nearby lookup leaves info unchanged.
func (s *Service) withNearby(ctx context.Context, p Property, info Info) Info {
	nearby, err := s.nearby.Get(ctx, p, struct{}{})
	if err != nil {
		s.logger.WarnContext(ctx, "nearby fallback failed",
			slog.String("code", p.Code),
			slog.Any("error", err),
		)
		return info
	}
	info.TransitLocations = nearby.TransitLocations
	return info
}

// applyFilter drops locations the configured filter rejects. Evaluation
// errors keep the location.
func (s *Service) applyFilter(ctx context.Context, endpoint string, p Property, locations []Location) []Location {
	filter := s.filter.Load()
	if filter == nil || len(locations) == 0 {
		return locations
	}
	property := map[string]any{
		"code":     p.Code,
		"location": pointMap(p.Location),
	}
	kept := make([]Location, 0, len(locations))
	for _, loc := range locations {
		keep, err := filter.Keep(endpoint, property, locationMap(loc))
		if err != nil {
			s.logger.WarnContext(ctx, "location filter failed",
				slog.String("code", p.Code),
				slog.String("filter", filter.Source()),
				slog.Any("error", err),
			)
			keep = true
		}
		if keep {
			kept = append(kept, loc)
		}
	}
	return kept
}

func (s *Service) itemFailed(ctx context.Context, endpoint string, p Property, err error) {
	s.logger.WarnContext(ctx, "property lookup failed",
		slog.String("endpoint", endpoint),
		slog.String("code", p.Code),
		slog.Any("error", err),
	)
}

func (s *Service) finish(ctx context.Context, endpoint string, requested, resolved int, start time.Time, err error) {
	duration := time.Since(start)
	if err != nil {
		s.logger.ErrorContext(ctx, "batch chunks failed",
			slog.String("endpoint", endpoint),
			slog.Any("error", err),
		)
	}
	failed := requested - resolved
	s.metrics.ObserveBatch(endpoint, resolved, failed, duration)
	s.logger.DebugContext(ctx, "batch complete",
		slog.String("endpoint", endpoint),
		slog.Int("requested", requested),
		slog.Int("resolved", resolved),
		slog.Int("failed", failed),
		slog.Int("max_workers", s.executor.MaxWorkers()),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
}

func pointMap(p geo.Point) map[string]any {
	return map[string]any{"lat": p.Lat, "lng": p.Lng}
}

func locationMap(loc Location) map[string]any {
	m := map[string]any{
		"name":     loc.Name,
		"type":     loc.Type,
		"distance": loc.Distance,
		"location": pointMap(loc.Location),
	}
	if loc.WalkingTime != nil {
		m["walking_time"] = *loc.WalkingTime
	}
	return m
}
