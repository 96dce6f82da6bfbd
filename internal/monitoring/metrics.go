package monitoring

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/banshee-data/slamctl/internal/timeutil"
)

// Counters and histograms exported by the control plane. Names follow the
// Prometheus conventions so WriteMetrics output can be scraped directly.
var (
	MapSaves            = metrics.GetOrCreateCounter("slam_map_saves_total")
	MapSaveFailures     = metrics.GetOrCreateCounter("slam_map_save_failures_total")
	KeyFramesInstalled  = metrics.GetOrCreateCounter("slam_keyframes_installed_total")
	KeyFramesSkipped    = metrics.GetOrCreateCounter("slam_keyframes_skipped_total")
	MapPointsFinalized  = metrics.GetOrCreateCounter("slam_mappoints_finalized_total")
	MapPointsSkipped    = metrics.GetOrCreateCounter("slam_mappoints_skipped_total")
	MapLoadDuration     = metrics.GetOrCreateHistogram("slam_map_load_duration_seconds")
	ShutdownWaitSeconds = metrics.GetOrCreateHistogram("slam_shutdown_wait_seconds")
)

// MapLoads returns the load counter for the given outcome
// ("ok", "missing", "corrupt").
func MapLoads(outcome string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`slam_map_loads_total{outcome=%q}`, outcome))
}

// ModeTransitions returns the transition counter for the given mode
// ("localization", "mapping", "reset").
func ModeTransitions(mode string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`slam_mode_transitions_total{mode=%q}`, mode))
}

// ObserveSince records the seconds elapsed on clock since start on h.
func ObserveSince(h *metrics.Histogram, clock timeutil.Clock, start time.Time) {
	h.Update(clock.Since(start).Seconds())
}

// WriteMetrics writes all registered metrics in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
