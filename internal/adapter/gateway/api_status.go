package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service       ServiceStatus `json:"service"`
	Provider      string        `json:"provider"`
	Assistant     string        `json:"assistant"`
	Conversations int           `json:"conversations"`
	Clients       int           `json:"clients"`
	Chats         ChatStatus    `json:"chats"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ChatStatus holds call counters observed on the event bus.
type ChatStatus struct {
	Completed int64 `json:"completed"`
	Streamed  int64 `json:"streamed"`
	Deltas    int64 `json:"deltas"`
	Errors    int64 `json:"errors"`
	Aborted   int64 `json:"aborted"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	ChatsTotal   atomic.Int64
	StreamsTotal atomic.Int64
	DeltasTotal  atomic.Int64
	ErrorsTotal  atomic.Int64
	AbortsTotal  atomic.Int64
}

func authMiddleware(auth Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.Authenticate(requestToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, s *Server, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "chatmux",
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Provider:      deps.Service.CurrentProviderName(),
			Assistant:     deps.Service.CurrentAssistant().ID,
			Conversations: len(deps.Service.Conversations()),
			Clients:       s.ClientCount(),
			Chats: ChatStatus{
				Completed: metrics.ChatsTotal.Load(),
				Streamed:  metrics.StreamsTotal.Load(),
				Deltas:    metrics.DeltasTotal.Load(),
				Errors:    metrics.ErrorsTotal.Load(),
				Aborted:   metrics.AbortsTotal.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
