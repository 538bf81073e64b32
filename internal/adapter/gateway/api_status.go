package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"chatrelay/internal/adapter/llm"
)

// StatusResponse is the JSON body returned by GET /api/status.
type StatusResponse struct {
	App      AppStatus      `json:"app"`
	Provider ProviderStatus `json:"provider"`
	Clients  ClientStatus   `json:"clients"`
	Chat     ChatStatus     `json:"chat"`
}

// AppStatus holds process overview info.
type AppStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AuthEnabled   bool   `json:"auth_enabled"`
	MediaMode     string `json:"media_mode"`
}

// ProviderStatus describes the completion gateway.
type ProviderStatus struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Circuit string `json:"circuit,omitempty"`
}

// ClientStatus holds websocket connection counts.
type ClientStatus struct {
	Connected int64 `json:"connected"`
}

// ChatStatus holds chat endpoint counters.
type ChatStatus struct {
	Requests    int64 `json:"requests"`
	Failures    int64 `json:"failures"`
	Interrupted int64 `json:"interrupted"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	ChatRequests      atomic.Int64
	ChatFailures      atomic.Int64
	ChatInterrupted   atomic.Int64
	FragmentsStreamed atomic.Int64
	RPCCalls          atomic.Int64
	RPCErrors         atomic.Int64
	WSConnections     atomic.Int64 // gauge
}

// circuitState reports the breaker state when the gateway has one.
func (s *Server) circuitState() (string, bool) {
	cb, ok := s.gateway.(*llm.CircuitBreakerGateway)
	if !ok {
		return "", false
	}
	return cb.State().String(), true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		App: AppStatus{
			Name:          s.cfg.AppName,
			Version:       s.version,
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
			AuthEnabled:   s.sessions.Enabled(),
			MediaMode:     s.cfg.Media.Mode,
		},
		Provider: ProviderStatus{Model: s.cfg.Provider.Model},
		Clients:  ClientStatus{Connected: s.metrics.WSConnections.Load()},
		Chat: ChatStatus{
			Requests:    s.metrics.ChatRequests.Load(),
			Failures:    s.metrics.ChatFailures.Load(),
			Interrupted: s.metrics.ChatInterrupted.Load(),
		},
	}
	if s.gateway != nil {
		resp.Provider.Name = s.gateway.Name()
	}
	if state, ok := s.circuitState(); ok {
		resp.Provider.Circuit = state
	}
	writeJSON(w, http.StatusOK, resp)
}
