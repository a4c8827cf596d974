package telemetry

import (
	"encoding/json"
	"net/http"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
	"github.com/harshabose/hermes/pkg/vehicle"
)

// Handler serves a fresh snapshot as JSON on every request. A failing
// getter answers 503 with the field that failed.
func Handler(sensors vehicle.Sensors, m *metrics.Metrics, f logging.LoggerFactory) http.HandlerFunc {
	log := logs.Scoped(f, "telemetry")

	return func(w http.ResponseWriter, _ *http.Request) {
		snap, err := Collect(sensors)
		if err != nil {
			if m != nil {
				m.TelemetryFailures.Add(1)
			}
			log.Warnf("snapshot for http request failed: %v", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Warnf("writing snapshot response: %v", err)
		}
	}
}
