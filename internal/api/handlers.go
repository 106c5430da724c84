package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/shift"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/internal/target"
	"github.com/savegress/oeesense/pkg/models"
)

const dateLayout = "2006-01-02"

// defaultRangeDays is the length of the range used when from is omitted
const defaultRangeDays = 7

var errBadRequest = errors.New("bad request")

// Health check
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "oeesense",
		"time":    s.now(),
	})
}

// Metric handlers

func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	scope, from, to, err := s.parseQuery(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	m, err := s.metrics.Overview(r.Context(), scope, from, to)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) getTrend(w http.ResponseWriter, r *http.Request) {
	scope, from, to, err := s.parseQuery(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	points, err := s.metrics.Trend(r.Context(), scope, from, to)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, points)
}

func (s *Server) getBreakdown(w http.ResponseWriter, r *http.Request) {
	scope, from, to, err := s.parseQuery(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	rows, err := s.metrics.Breakdown(r.Context(), scope, from, to)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) getReliability(w http.ResponseWriter, r *http.Request) {
	scope, from, to, err := s.parseQuery(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	m, err := s.reliability.MTBFMTTR(r.Context(), scope, from, to)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) getDowntimeAnalysis(w http.ResponseWriter, r *http.Request) {
	scope, from, to, err := s.parseQuery(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	rows, err := s.reliability.DowntimeAnalysis(r.Context(), scope, from, to)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) resolveTarget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := parseDate(q.Get("date"), s.now())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	t, err := s.targets.ResolveTarget(r.Context(), target.Query{
		MachineID:       q.Get("machine_id"),
		LineID:          q.Get("line_id"),
		ShiftTemplateID: q.Get("shift_template_id"),
		AsOf:            asOf,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// Shift handlers

func (s *Server) startShift(w http.ResponseWriter, r *http.Request) {
	var req shift.StartRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.respondErr(w, err)
		return
	}
	record, err := s.shifts.StartShift(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) getShiftMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.shifts.ShiftMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) closeShift(w http.ResponseWriter, r *http.Request) {
	var req shift.CloseRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.respondErr(w, err)
		return
	}
	m, err := s.shifts.CloseShift(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) cancelShift(w http.ResponseWriter, r *http.Request) {
	record, err := s.shifts.CancelShift(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) recordChangeover(w http.ResponseWriter, r *http.Request) {
	var req shift.ChangeoverRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.respondErr(w, err)
		return
	}
	co, err := s.shifts.RecordChangeover(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, co)
}

func (s *Server) logProduction(w http.ResponseWriter, r *http.Request) {
	var req shift.ProductionRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.respondErr(w, err)
		return
	}
	log, err := s.shifts.LogProduction(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, log)
}

// Downtime handlers

func (s *Server) logDowntime(w http.ResponseWriter, r *http.Request) {
	var req shift.DowntimeRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.respondErr(w, err)
		return
	}
	event, err := s.shifts.LogDowntime(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, event)
}

func (s *Server) endDowntime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EndTime *time.Time `json:"end_time,omitempty"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		s.respondErr(w, err)
		return
	}
	event, err := s.shifts.EndDowntime(r.Context(), chi.URLParam(r, "id"), req.EndTime)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// Request parsing

// parseQuery reads scope, id, plants, from and to. Dates are inclusive
// days; to defaults to today and from to the week ending on to.
func (s *Server) parseQuery(r *http.Request) (models.Scope, time.Time, time.Time, error) {
	q := r.URL.Query()

	scope := models.Scope{Level: models.ScopeLevel(q.Get("scope")), ID: q.Get("id")}
	switch scope.Level {
	case "", models.ScopeGlobal:
		scope.Level = models.ScopeGlobal
		scope.ID = ""
	case models.ScopePlant, models.ScopeLine, models.ScopeMachine:
		if scope.ID == "" {
			return scope, time.Time{}, time.Time{}, fmt.Errorf("id is required for %s scope: %w", scope.Level, errBadRequest)
		}
	default:
		return scope, time.Time{}, time.Time{}, fmt.Errorf("unknown scope %q: %w", scope.Level, errBadRequest)
	}
	if plants := q.Get("plants"); plants != "" {
		for _, id := range strings.Split(plants, ",") {
			if id = strings.TrimSpace(id); id != "" {
				scope.PermittedPlantIDs = append(scope.PermittedPlantIDs, id)
			}
		}
	}

	to, err := parseDate(q.Get("to"), s.now())
	if err != nil {
		return scope, time.Time{}, time.Time{}, err
	}
	from, err := parseDate(q.Get("from"), to.AddDate(0, 0, -(defaultRangeDays-1)))
	if err != nil {
		return scope, time.Time{}, time.Time{}, err
	}
	if from.After(to) {
		return scope, time.Time{}, time.Time{}, fmt.Errorf("from %s is after to %s: %w", from.Format(dateLayout), to.Format(dateLayout), models.ErrInvalidRange)
	}
	return scope, from, to, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339 and truncates to the day
func parseDate(value string, def time.Time) (time.Time, error) {
	if value == "" {
		return models.Day(def), nil
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, errBadRequest)
	}
	return models.Day(t), nil
}

// decodeBody decodes a JSON body. Optional bodies may be empty.
func decodeBody(r *http.Request, dest interface{}, required bool) error {
	err := json.NewDecoder(r.Body).Decode(dest)
	if errors.Is(err, io.EOF) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", errBadRequest)
	}
	return nil
}

// Helper functions

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shift.ErrShiftAlreadyClosed),
		errors.Is(err, shift.ErrShiftNotActive),
		errors.Is(err, shift.ErrShiftInProgress),
		errors.Is(err, shift.ErrDowntimeEnded),
		errors.Is(err, storage.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidRange),
		errors.Is(err, models.ErrInvalidTargetScope):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request error", zap.Error(err))
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
