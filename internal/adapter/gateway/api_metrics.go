package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/sony/gobreaker/v2"
)

func writeMetric(w io.Writer, name, kind, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// handleMetrics serves GET /metrics in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m := s.metrics
	writeMetric(w, "chatrelay_chat_requests_total", "counter", "Total chat requests received.", m.ChatRequests.Load())
	writeMetric(w, "chatrelay_chat_failures_total", "counter", "Chat requests that failed before streaming.", m.ChatFailures.Load())
	writeMetric(w, "chatrelay_chat_interrupted_total", "counter", "Chat streams aborted mid-body.", m.ChatInterrupted.Load())
	writeMetric(w, "chatrelay_fragments_streamed_total", "counter", "Text fragments written to chat responses.", m.FragmentsStreamed.Load())
	writeMetric(w, "chatrelay_rpc_calls_total", "counter", "Websocket RPC calls.", m.RPCCalls.Load())
	writeMetric(w, "chatrelay_rpc_errors_total", "counter", "Websocket RPC calls that returned an error.", m.RPCErrors.Load())
	writeMetric(w, "chatrelay_ws_clients", "gauge", "Connected websocket clients.", m.WSConnections.Load())

	if cb, ok := s.circuitState(); ok {
		open := int64(0)
		if cb == gobreaker.StateOpen.String() {
			open = 1
		}
		writeMetric(w, "chatrelay_circuit_open", "gauge", "Whether the provider circuit breaker is open.", open)
	}

	writeMetric(w, "chatrelay_goroutines", "gauge", "Number of goroutines.", int64(runtime.NumGoroutine()))
	writeMetric(w, "chatrelay_uptime_seconds", "gauge", "Seconds since the server started.", int64(time.Since(s.started).Seconds()))
}
