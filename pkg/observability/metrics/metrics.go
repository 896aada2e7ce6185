package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	studiesStarted   atomic.Int64
	studiesCompleted atomic.Int64
	studiesNoData    atomic.Int64
	studiesFailed    atomic.Int64
	groupsCompleted  atomic.Int64
	groupsNoData     atomic.Int64
	groupsFailed     atomic.Int64
	chainRowsWritten atomic.Int64
	runsInFlight     atomic.Int64
	lastRunMillis    atomic.Int64
)

func ObserveStudyStarted() {
	studiesStarted.Add(1)
	runsInFlight.Add(1)
}

// ObserveStudyFinished counts a finished run under its final status.
func ObserveStudyFinished(status string, elapsed time.Duration) {
	runsInFlight.Add(-1)
	lastRunMillis.Store(elapsed.Milliseconds())
	switch status {
	case "completed":
		studiesCompleted.Add(1)
	case "no_data":
		studiesNoData.Add(1)
	case "failed":
		studiesFailed.Add(1)
	}
}

func ObserveGroup(status string, chainRows int) {
	switch status {
	case "completed":
		groupsCompleted.Add(1)
		chainRowsWritten.Add(int64(chainRows))
	case "no_data":
		groupsNoData.Add(1)
	case "failed":
		groupsFailed.Add(1)
	}
}

type sample struct {
	name, help, kind string
	value            int64
}

func snapshot() []sample {
	return []sample{
		{"eventchain_studies_started_total", "Number of study runs started.", "counter", studiesStarted.Load()},
		{"eventchain_studies_completed_total", "Number of study runs that completed.", "counter", studiesCompleted.Load()},
		{"eventchain_studies_no_data_total", "Number of study runs that found no patients.", "counter", studiesNoData.Load()},
		{"eventchain_studies_failed_total", "Number of study runs in which every group failed.", "counter", studiesFailed.Load()},
		{"eventchain_groups_completed_total", "Number of patient groups that produced a chain.", "counter", groupsCompleted.Load()},
		{"eventchain_groups_no_data_total", "Number of patient groups that matched no chain.", "counter", groupsNoData.Load()},
		{"eventchain_groups_failed_total", "Number of patient groups that failed.", "counter", groupsFailed.Load()},
		{"eventchain_chain_rows_written_total", "Number of final chain rows written.", "counter", chainRowsWritten.Load()},
		{"eventchain_runs_in_flight", "Number of study runs currently executing.", "gauge", runsInFlight.Load()},
		{"eventchain_last_run_duration_milliseconds", "Wall time of the latest finished run.", "gauge", lastRunMillis.Load()},
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, s := range snapshot() {
		fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
		fmt.Fprintf(w, "%s %d\n", s.name, s.value)
	}
}

func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WritePrometheus(w)
	})
}
