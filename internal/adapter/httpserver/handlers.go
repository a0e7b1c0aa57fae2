package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// Server aggregates the operator API's dependencies.
type Server struct {
	Runs          domain.RunRepository
	Relationships domain.RelationshipRepository
	DBCheck       func(ctx context.Context) error
}

type runSummary struct {
	RunID           string                    `json:"runId"`
	TargetDirectory string                    `json:"targetDirectory"`
	StartedAt       string                    `json:"startedAt"`
	FinishedAt      string                    `json:"finishedAt,omitempty"`
	Error           string                    `json:"error,omitempty"`
	FilesTotal      int                       `json:"filesTotal"`
	FilesCompleted  int                       `json:"filesCompleted"`
	FilesErrored    int                       `json:"filesErrored"`
	BatchesTotal    int                       `json:"batchesTotal"`
	Relationships   map[string]int            `json:"relationshipsByStatus,omitempty"`
}

func toRunSummary(r domain.Run, byStatus map[domain.RelationshipStatus]int) runSummary {
	s := runSummary{
		RunID:           r.RunID,
		TargetDirectory: r.TargetDirectory,
		StartedAt:       r.StartedAt.Format(timeFormat),
		Error:           r.Error,
		FilesTotal:      r.FilesTotal,
		FilesCompleted:  r.FilesCompleted,
		FilesErrored:    r.FilesErrored,
		BatchesTotal:    r.BatchesTotal,
	}
	if r.FinishedAt != nil {
		s.FinishedAt = r.FinishedAt.Format(timeFormat)
	}
	if len(byStatus) > 0 {
		s.Relationships = make(map[string]int, len(byStatus))
		for status, count := range byStatus {
			s.Relationships[string(status)] = count
		}
	}
	return s
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// HealthzHandler reports liveness, checking the relational store when a
// DBCheck func is configured.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RunsHandler lists recent runs, newest first, paginated by offset/limit
// query parameters.
func (s *Server) RunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("http.operator")
		ctx, span := tracer.Start(r.Context(), "Server.RunsHandler")
		defer span.End()

		offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
		limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}

		runs, err := s.Runs.List(ctx, offset, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		total, err := s.Runs.Count(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		summaries := make([]runSummary, 0, len(runs))
		for _, run := range runs {
			summaries = append(summaries, toRunSummary(run, nil))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": summaries, "total": total})
	}
}

// RunHandler returns one run's summary, including its relationship status
// breakdown, so an operator can watch a run without a graph/UI surface.
func (s *Server) RunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("http.operator")
		ctx, span := tracer.Start(r.Context(), "Server.RunHandler")
		defer span.End()

		runID := chi.URLParam(r, "id")
		run, err := s.Runs.Get(ctx, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		byStatus, err := s.Relationships.CountByStatus(ctx, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRunSummary(run, byStatus))
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
