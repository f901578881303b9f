// Package monitoring derives operational views from attempts and stage logs
// and raises alerts when they look unhealthy.
package monitoring

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/store"
)

// Summary aggregates a set of stage log entries.
type Summary struct {
	Total            int                       `json:"total"`
	ByStatus         map[model.StageStatus]int `json:"by_status"`
	ByStage          map[model.Stage]int       `json:"by_stage"`
	AverageElapsedMs float64                   `json:"average_elapsed_ms"`
}

// Summarize counts entries per status and per stage and averages their
// elapsed time. It does not modify entries; an empty set averages to 0.
func Summarize(entries []model.StageLogEntry) Summary {
	s := Summary{
		Total:    len(entries),
		ByStatus: make(map[model.StageStatus]int),
		ByStage:  make(map[model.Stage]int),
	}
	var elapsed int64
	for _, e := range entries {
		s.ByStatus[e.Status]++
		s.ByStage[e.Stage]++
		elapsed += e.ElapsedMs
	}
	if s.Total > 0 {
		s.AverageElapsedMs = float64(elapsed) / float64(s.Total)
	}
	return s
}

// LogsView is the operator read of the stage log.
type LogsView struct {
	Entries []model.StageLogEntry `json:"entries"`
	Summary Summary               `json:"summary"`
}

// GetLogs queries stage logs matching filter and summarizes them.
func GetLogs(ctx context.Context, logs store.LogStore, filter store.LogFilter) (*LogsView, error) {
	if filter.Stage != "" && !filter.Stage.Valid() {
		return nil, &resilience.InvalidInputError{Reason: "unknown stage " + string(filter.Stage)}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &resilience.InvalidInputError{Reason: "unknown status " + string(filter.Status)}
	}
	entries, err := logs.QueryStageLogs(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: query stage logs")
	}
	if entries == nil {
		entries = []model.StageLogEntry{}
	}
	return &LogsView{Entries: entries, Summary: Summarize(entries)}, nil
}
