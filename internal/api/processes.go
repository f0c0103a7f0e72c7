// Package api contains the HTTP handlers for the process dispatcher
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"process-dispatcher/backend/internal/lifecycle"
	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/repository"
	"process-dispatcher/backend/pkg/models"
)

const (
	traceHeader     = "X-Trace-Id"
	maxManifestBody = 1 << 20
)

// Dispatcher runs a dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.DispatchRequest) models.DispatchResult
}

// ManifestStore is the part of the manifest store the API uses.
type ManifestStore interface {
	Load(ctx context.Context, name string) (*manifest.Snapshot, error)
	List() []*manifest.Snapshot
	Replace(ctx context.Context, m *models.ProcessManifest) (*manifest.Snapshot, error)
}

// Lifecycle evaluates and pauses experiments.
type Lifecycle interface {
	EvaluateExperiments(ctx context.Context, now time.Time) ([]lifecycle.Action, error)
	Pause(ctx context.Context, name string) (*manifest.Snapshot, error)
	Resume(ctx context.Context, name string) (*manifest.Snapshot, error)
}

// HistoryReader lists saved manifest versions.
type HistoryReader interface {
	History(ctx context.Context, processName string) ([]repository.HistoryEntry, error)
}

// Options holds the Server dependencies. Lifecycle, History and Metrics are
// optional; their routes answer 503 or are not mounted when absent.
type Options struct {
	Dispatcher Dispatcher
	Store      ManifestStore
	Lifecycle  Lifecycle
	History    HistoryReader
	Checks     map[string]HealthChecker
	Metrics    http.Handler
	Logger     *logging.Logger
}

// Server holds the dependencies for the API server.
type Server struct {
	dispatcher Dispatcher
	store      ManifestStore
	lifecycle  Lifecycle
	history    HistoryReader
	checks     map[string]HealthChecker
	metrics    http.Handler
	logger     *logging.Logger
}

// NewServer creates a new Server.
func NewServer(opts Options) *Server {
	s := &Server{
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		lifecycle:  opts.Lifecycle,
		history:    opts.History,
		checks:     opts.Checks,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// RegisterHandlers mounts the /api/v1 routes on g.
func (s *Server) RegisterHandlers(g *echo.Group) {
	g.GET("/processes", s.ListProcesses)
	g.GET("/processes/:name", s.GetProcess)
	g.PUT("/processes/:name", s.PutProcess)
	g.GET("/processes/:name/history", s.GetProcessHistory)
	g.POST("/processes/:name/dispatch", s.DispatchProcess)
	g.POST("/processes/:name/experiment/pause", s.PauseExperiment)
	g.POST("/processes/:name/experiment/resume", s.ResumeExperiment)
	g.POST("/experiments/evaluate", s.EvaluateExperiments)
}

type dispatchBody struct {
	Arguments json.RawMessage   `json:"arguments"`
	Context   map[string]string `json:"context"`
	TraceID   string            `json:"trace_id"`
	TimeoutMs int               `json:"timeout_ms"`
}

// DispatchProcess dispatches a call. The body is always a DispatchResult;
// the status code follows the error kind.
// (POST /api/v1/processes/:name/dispatch)
func (s *Server) DispatchProcess(c echo.Context) error {
	var body dispatchBody
	if err := c.Bind(&body); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	if body.TraceID == "" {
		body.TraceID = c.Request().Header.Get(traceHeader)
	}

	result := s.dispatcher.Dispatch(c.Request().Context(), models.DispatchRequest{
		ProcessName: c.Param("name"),
		Arguments:   body.Arguments,
		Context:     body.Context,
		TraceID:     body.TraceID,
		Timeout:     time.Duration(body.TimeoutMs) * time.Millisecond,
	})
	c.Response().Header().Set(traceHeader, result.TraceID)
	return c.JSON(dispatchStatus(result), result)
}

func dispatchStatus(r models.DispatchResult) int {
	if r.Error == nil {
		return http.StatusOK
	}
	switch r.Error.Kind {
	case models.KindManifestNotFound:
		return http.StatusNotFound
	case models.KindValidation, models.KindMissingBucketingKey:
		return http.StatusUnprocessableEntity
	case models.KindInvocation:
		return http.StatusBadGateway
	case models.KindInvocationUnavailable:
		return http.StatusServiceUnavailable
	case models.KindInvocationTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type processSummary struct {
	ProcessName string                  `json:"process_name"`
	Description string                  `json:"description,omitempty"`
	Owner       string                  `json:"owner"`
	Version     int                     `json:"version"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Strategy    models.StrategyKind     `json:"strategy"`
	Variants    []string                `json:"variants"`
	Experiment  models.ExperimentStatus `json:"experiment,omitempty"`
}

// ListProcesses returns a summary of every loaded manifest
// (GET /api/v1/processes)
func (s *Server) ListProcesses(c echo.Context) error {
	snaps := s.store.List()
	out := make([]processSummary, 0, len(snaps))
	for _, snap := range snaps {
		m := snap.Manifest
		sum := processSummary{
			ProcessName: m.ProcessName,
			Description: m.Description,
			Owner:       m.Owner,
			Version:     m.Version,
			UpdatedAt:   m.UpdatedAt,
			Strategy:    m.Strategy.Kind,
		}
		for _, v := range m.Variants {
			sum.Variants = append(sum.Variants, v.ID)
		}
		if m.Experiment != nil {
			sum.Experiment = m.Experiment.Status
		}
		out = append(out, sum)
	}
	return c.JSON(http.StatusOK, out)
}

// GetProcess returns one manifest
// (GET /api/v1/processes/:name)
func (s *Server) GetProcess(c echo.Context) error {
	snap, err := s.store.Load(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, snap.Manifest)
}

// PutProcess deploys a manifest. The body is JSON, or YAML when the content
// type says so. An invalid manifest is rejected and the current version
// stays active.
// (PUT /api/v1/processes/:name)
func (s *Server) PutProcess(c echo.Context) error {
	name := c.Param("name")
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxManifestBody))
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}
	ext := ".json"
	if ct := c.Request().Header.Get(echo.HeaderContentType); strings.Contains(ct, "yaml") {
		ext = ".yaml"
	}
	m, err := manifest.Decode(data, ext)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid manifest document", err.Error())
	}
	if m.ProcessName == "" {
		m.ProcessName = name
	}
	if m.ProcessName != name {
		return problem(c, http.StatusBadRequest, "Process name mismatch",
			fmt.Sprintf("document names %q but the path names %q", m.ProcessName, name))
	}

	snap, err := s.store.Replace(c.Request().Context(), m)
	if err != nil {
		return s.storeError(c, err)
	}
	s.logger.Info("manifest deployed", "process", name, "version", snap.Version())
	return c.JSON(http.StatusOK, snap.Manifest)
}

type historyEntry struct {
	Version  int                     `json:"version"`
	SavedAt  time.Time               `json:"saved_at"`
	Manifest *models.ProcessManifest `json:"manifest"`
}

// GetProcessHistory lists saved versions of a manifest
// (GET /api/v1/processes/:name/history)
func (s *Server) GetProcessHistory(c echo.Context) error {
	if s.history == nil {
		return problem(c, http.StatusNotImplemented, "History unavailable", "manifest history needs a database")
	}
	entries, err := s.history.History(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.storeError(c, err)
	}
	if len(entries) == 0 {
		return problem(c, http.StatusNotFound, "Not Found", fmt.Sprintf("no history for process %q", c.Param("name")))
	}
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{Version: e.Version, SavedAt: e.SavedAt, Manifest: e.Manifest})
	}
	return c.JSON(http.StatusOK, out)
}

// PauseExperiment moves an ACTIVE experiment to PAUSED
// (POST /api/v1/processes/:name/experiment/pause)
func (s *Server) PauseExperiment(c echo.Context) error {
	if s.lifecycle == nil {
		return problem(c, http.StatusServiceUnavailable, "Lifecycle disabled", "the experiment lifecycle manager is not running")
	}
	snap, err := s.lifecycle.Pause(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, snap.Manifest)
}

// ResumeExperiment moves a PAUSED experiment back to ACTIVE
// (POST /api/v1/processes/:name/experiment/resume)
func (s *Server) ResumeExperiment(c echo.Context) error {
	if s.lifecycle == nil {
		return problem(c, http.StatusServiceUnavailable, "Lifecycle disabled", "the experiment lifecycle manager is not running")
	}
	snap, err := s.lifecycle.Resume(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, snap.Manifest)
}

// EvaluateExperiments runs one evaluation cycle now
// (POST /api/v1/experiments/evaluate)
func (s *Server) EvaluateExperiments(c echo.Context) error {
	if s.lifecycle == nil {
		return problem(c, http.StatusServiceUnavailable, "Lifecycle disabled", "the experiment lifecycle manager is not running")
	}
	actions, err := s.lifecycle.EvaluateExperiments(c.Request().Context(), time.Now())
	if err != nil {
		return problem(c, http.StatusInternalServerError, "Evaluation failed", err.Error())
	}
	if actions == nil {
		actions = []lifecycle.Action{}
	}
	return c.JSON(http.StatusOK, actions)
}

func (s *Server) storeError(c echo.Context, err error) error {
	var invalid *manifest.InvalidError
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		return problem(c, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &invalid):
		return problem(c, http.StatusUnprocessableEntity, "Invalid manifest", invalid.Error(), invalid.Problems...)
	case errors.Is(err, lifecycle.ErrNotActive), errors.Is(err, lifecycle.ErrNotPaused):
		return problem(c, http.StatusConflict, "Conflict", err.Error())
	}
	s.logger.Error("manifest store error", "path", c.Request().URL.Path, "error", err)
	return problem(c, http.StatusInternalServerError, "Internal Server Error", err.Error())
}
