package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/autopublisher/internal/pipeline"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	maxBodyBytes    = 4 << 20
)

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var sub pipeline.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	state, err := s.runs.StartRun(r.Context(), owner(r), sub)
	if err != nil {
		if state.ID != "" {
			// Stored but not queued: resume on restart still runs it.
			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": state.ID, "warning": "run queued for resume"})
			return
		}
		s.writeDomainError(w, "start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": state.ID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	state, err := s.runs.RunStatus(r.Context(), owner(r), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeDomainError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(state, true))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), owner(r), limit, offset)
	if err != nil {
		s.writeDomainError(w, "list runs", err)
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.runs.CancelRun(r.Context(), owner(r), runID); err != nil {
		s.writeDomainError(w, "cancel run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "cancel_requested": true})
}

// getProgress returns counters plus the entries recorded after ?after=<seq>.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = v
	}
	state, err := s.runs.RunStatus(r.Context(), owner(r), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeDomainError(w, "run progress", err)
		return
	}
	entries := make([]publishing.LogEntry, 0)
	for _, e := range state.Entries {
		if e.Seq > after {
			entries = append(entries, e)
		}
	}
	writeJSON(w, http.StatusOK, progressDTO{
		RunID:    state.ID,
		Status:   state.Status,
		Total:    state.Request.Pairs(),
		Done:     len(state.Entries),
		Counts:   state.Counts(),
		Profiles: state.Profiles,
		Entries:  entries,
	})
}

type runDTO struct {
	ID              string                                `json:"id"`
	Status          publishing.RunStatus                  `json:"status"`
	ContentType     string                                `json:"content_type"`
	Items           int                                   `json:"items"`
	ProfileIDs      []string                              `json:"profile_ids"`
	DryRun          bool                                  `json:"dry_run"`
	CancelRequested bool                                  `json:"cancel_requested"`
	Counts          map[publishing.Outcome]int            `json:"counts"`
	Profiles        map[string]publishing.ProfileProgress `json:"profiles,omitempty"`
	Entries         []publishing.LogEntry                 `json:"entries,omitempty"`
	CreatedAt       time.Time                             `json:"created_at"`
	StartedAt       *time.Time                            `json:"started_at,omitempty"`
	FinishedAt      *time.Time                            `json:"finished_at,omitempty"`
}

func toRunDTO(state publishing.RunState, detail bool) runDTO {
	dto := runDTO{
		ID:              state.ID,
		Status:          state.Status,
		ContentType:     state.Request.ContentType,
		Items:           len(state.Request.Items),
		ProfileIDs:      state.Request.ProfileIDs,
		DryRun:          state.Request.Options.DryRun,
		CancelRequested: state.CancelRequested,
		Counts:          state.Counts(),
		CreatedAt:       state.CreatedAt,
		StartedAt:       state.StartedAt,
		FinishedAt:      state.FinishedAt,
	}
	if detail {
		dto.Profiles = state.Profiles
		dto.Entries = state.Entries
	}
	return dto
}

type progressDTO struct {
	RunID    string                                `json:"run_id"`
	Status   publishing.RunStatus                  `json:"status"`
	Total    int                                   `json:"total"`
	Done     int                                   `json:"done"`
	Counts   map[publishing.Outcome]int            `json:"counts"`
	Profiles map[string]publishing.ProfileProgress `json:"profiles"`
	Entries  []publishing.LogEntry                 `json:"entries"`
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
