package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/transitd/internal/runtime/batch"
	"github.com/l0p7/transitd/internal/runtime/cache"
	"github.com/l0p7/transitd/internal/runtime/transit"
)

// DefaultMaxBodyBytes caps lookup request bodies.
const DefaultMaxBodyBytes int64 = 8 << 20

// LookupService is the transit surface the HTTP pipeline serves.
type LookupService interface {
	TransitInfo(ctx context.Context, req transit.Request) ([]transit.Info, error)
	NearbyLocations(ctx context.Context, req transit.Request) ([]transit.Nearby, error)
}

type PipelineOptions struct {
	Service           LookupService
	Cache             *cache.KeyedCache
	Executor          *batch.Executor
	CorrelationHeader string
	MaxBodyBytes      int64
}

// Pipeline decodes lookup requests, runs them through the transit service and
// renders JSON responses.
type Pipeline struct {
	logger            *slog.Logger
	service           LookupService
	cache             *cache.KeyedCache
	executor          *batch.Executor
	correlationHeader string
	maxBodyBytes      int64
}

func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		service:           opts.Service,
		cache:             opts.Cache,
		executor:          opts.Executor,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		maxBodyBytes:      maxBody,
	}
}

// ServeTransit answers POST /transit with one Info record per resolved property.
func (p *Pipeline) ServeTransit(w http.ResponseWriter, r *http.Request) {
	if p.service == nil {
		p.WriteError(w, http.StatusServiceUnavailable, "lookup service unavailable")
		return
	}
	serveLookup(p, w, r, transit.EndpointTransit, p.service.TransitInfo)
}

// ServeLocations answers POST /locations with the stations near each property.
func (p *Pipeline) ServeLocations(w http.ResponseWriter, r *http.Request) {
	if p.service == nil {
		p.WriteError(w, http.StatusServiceUnavailable, "lookup service unavailable")
		return
	}
	serveLookup(p, w, r, transit.EndpointLocations, p.service.NearbyLocations)
}

func serveLookup[R any](p *Pipeline, w http.ResponseWriter, r *http.Request, endpoint string, lookup func(context.Context, transit.Request) ([]R, error)) {
	start := time.Now()
	correlationID := p.requestCorrelationID(r)
	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, correlationID)
	}
	reqLogger := p.logger.With(
		slog.String("endpoint", endpoint),
		slog.String("correlation_id", correlationID),
	)

	req, err := p.decodeRequest(w, r)
	if err != nil {
		reqLogger.Info("request rejected", slog.Any("error", err))
		p.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := lookup(r.Context(), req)
	if err != nil {
		var verr *transit.ValidationError
		if errors.As(err, &verr) {
			reqLogger.Info("request rejected", slog.Any("error", err))
			p.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		reqLogger.Error("lookup failed", slog.Any("error", err))
		p.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if results == nil {
		results = []R{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(results); err != nil {
		reqLogger.Error("response encode failed", slog.Any("error", err))
		return
	}

	reqLogger.Info("pipeline completed",
		slog.Int("http_status", http.StatusOK),
		slog.Int("requested", len(req.Properties)),
		slog.Int("returned", len(results)),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
}

func (p *Pipeline) decodeRequest(w http.ResponseWriter, r *http.Request) (transit.Request, error) {
	var req transit.Request
	if r.Body == nil {
		return req, errors.New("request body required")
	}
	body := http.MaxBytesReader(w, r.Body, p.maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("request body required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return req, fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return req, errors.New("invalid request body: trailing data")
	}
	return req, nil
}

// ServeHealth reports cache occupancy, pending persistence and the current
// worker bound.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	entries := make(map[string]int, len(cache.Namespaces))
	dirty := false
	if p.cache != nil {
		for _, ns := range cache.Namespaces {
			entries[ns.String()] = p.cache.Len(ns)
		}
		dirty = p.cache.Dirty()
	}
	status := map[string]any{
		"status":       "ok",
		"cacheEntries": entries,
		"dirty":        dirty,
		"observedAt":   time.Now().UTC(),
	}
	if p.executor != nil {
		status["maxWorkers"] = p.executor.MaxWorkers()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// WriteError emits a JSON error payload.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
