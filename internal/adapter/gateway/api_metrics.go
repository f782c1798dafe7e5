package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(deps HandlerDeps, s *Server, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		writeMetric(w, "chatmux_conversations", "gauge", "Number of stored conversations.",
			len(deps.Service.Conversations()))
		writeMetric(w, "chatmux_gateway_clients", "gauge", "Connected WebSocket clients.", s.ClientCount())

		writeMetric(w, "chatmux_chat_completed_total", "counter", "Buffered calls completed.", metrics.ChatsTotal.Load())
		writeMetric(w, "chatmux_stream_completed_total", "counter", "Streamed calls completed.", metrics.StreamsTotal.Load())
		writeMetric(w, "chatmux_stream_deltas_total", "counter", "Stream deltas delivered.", metrics.DeltasTotal.Load())
		writeMetric(w, "chatmux_chat_errors_total", "counter", "Failed calls.", metrics.ErrorsTotal.Load())
		writeMetric(w, "chatmux_chat_aborted_total", "counter", "Cancelled calls.", metrics.AbortsTotal.Load())

		writeMetric(w, "chatmux_uptime_seconds", "gauge", "Seconds since the gateway started.",
			int64(time.Since(startTime).Seconds()))

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", runtime.NumGoroutine())
		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", mem.Alloc)
		writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", mem.Sys)
	}
}

func writeMetric[T int | int64 | uint64](w io.Writer, name, kind, help string, value T) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
