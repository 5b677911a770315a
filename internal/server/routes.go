package server

import (
	"log"
	"net/http"
)

func New(handler *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)

	// attestation registry
	mux.HandleFunc("POST /registry/admin/bootstrap", handler.RegistryBootstrap)
	mux.HandleFunc("POST /registry/publishers/grant", handler.GrantPublisher)
	mux.HandleFunc("POST /registry/publishers/revoke", handler.RevokePublisher)
	mux.HandleFunc("POST /registry/schedules", handler.PublishSchedule)
	mux.HandleFunc("POST /registry/schedules/{id}/deprecate", handler.DeprecateSchedule)
	mux.HandleFunc("GET /registry/schedules/{id}", handler.GetSchedule)
	mux.HandleFunc("GET /registry/schedules/{id}/versions/{version}", handler.GetSnapshot)
	mux.HandleFunc("GET /registry/routes/{route}/latest", handler.GetLatest)
	mux.HandleFunc("GET /registry/routes/{route}/versions/{version}", handler.GetVersionOwner)

	// reliability aggregator
	mux.HandleFunc("POST /reliability/admin/bootstrap", handler.ReliabilityBootstrap)
	mux.HandleFunc("POST /reliability/operators/grant", handler.GrantOperator)
	mux.HandleFunc("POST /reliability/operators/revoke", handler.RevokeOperator)
	mux.HandleFunc("PUT /reliability/threshold", handler.SetThreshold)
	mux.HandleFunc("POST /reliability/arrivals", handler.RecordArrival)
	mux.HandleFunc("GET /reliability/arrivals/{id}", handler.GetArrival)
	mux.HandleFunc("GET /reliability/aggregates/{route}/{date}", handler.GetAggregate)
	mux.HandleFunc("GET /reliability/aggregates/{route}/{date}/on-time-bps", handler.GetOnTimeRate)

	return logging(mux)
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
