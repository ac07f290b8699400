package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// PipelineHTTP defines the minimal surface the router needs from the runtime
// pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeTransit(http.ResponseWriter, *http.Request)
	ServeLocations(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewPipelineHandler wires URL dispatch to the runtime pipeline. metrics may
// be nil, in which case /metrics is not routed.
func NewPipelineHandler(p PipelineHTTP, metrics http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}

	r := mux.NewRouter()
	r.HandleFunc("/transit", p.ServeTransit).Methods(http.MethodPost)
	r.HandleFunc("/locations", p.ServeLocations).Methods(http.MethodPost)
	r.HandleFunc("/healthz", p.ServeHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health", p.ServeHealth).Methods(http.MethodGet, http.MethodHead)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.WriteError(w, http.StatusNotFound, "route "+req.URL.Path+" not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.WriteError(w, http.StatusMethodNotAllowed, "method "+req.Method+" not allowed on "+req.URL.Path)
	})
	return r
}
