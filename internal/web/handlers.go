package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/deixis/crosscheck"
	"github.com/deixis/crosscheck/internal/launch"
	"github.com/deixis/crosscheck/internal/report"
	"github.com/deixis/crosscheck/internal/run"
)

// runStatus is the JSON shape of GET /api/runs/{id}. Output carries the
// bytes from the requested offset onward, so a client polling with
// next_offset sees the stream exactly once and in order.
type runStatus struct {
	ID         string    `json:"id"`
	State      run.State `json:"state"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Output     string    `json:"output"`
	NextOffset int       `json:"next_offset"`
	Truncated  bool      `json:"truncated,omitempty"`
	ReportURL  string    `json:"report_url,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ Version string }{Version: crosscheck.Version}
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.log.Error("rendering index", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, crosscheck.Version)
}

// handleCreateRun validates the submitted RunConfiguration and, if the
// run slot is free, launches the external script. Nothing is spawned on
// a validation failure.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var rc launch.RunConfiguration
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := rc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.registry.Acquire(); err != nil {
		s.metrics.RunsRejected.Inc()
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.RunsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.registry.Release()
		s.log.Error("creating run directory", "err", err)
		writeError(w, http.StatusInternalServerError, "could not create run directory")
		return
	}
	if err := rc.WriteMappings(dir); err != nil {
		s.registry.Release()
		s.log.Error("writing mappings", "err", err)
		writeError(w, http.StatusInternalServerError, "could not write mappings file")
		return
	}

	script, err := filepath.Abs(s.cfg.Script())
	if err != nil {
		s.registry.Release()
		writeError(w, http.StatusInternalServerError, "could not resolve script path")
		return
	}

	proc, err := s.runner.Start(s.baseCtx, rc.Args(script, dir), dir)
	if err != nil {
		s.registry.Release()
		s.metrics.RunsTotal.WithLabelValues("launch_error").Inc()
		s.log.Error("launching validation script", "err", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to launch: %v", err))
		return
	}

	rn := run.New(id, dir, proc)
	s.registry.Publish(rn)
	s.log.Info("run started", "id", id, "interpreter", rc.Interpreter)

	go s.observeRun(rn)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"id":         id,
		"status_url": "/api/runs/" + id,
		"stream_url": "/api/runs/" + id + "/stream",
	})
}

// observeRun records metrics and a log line when the run finishes.
func (s *Server) observeRun(rn *run.Run) {
	<-rn.Done()
	code, _ := rn.ExitCode()
	state := rn.State()
	s.metrics.RunsTotal.WithLabelValues(string(state)).Inc()
	s.metrics.RunDuration.Observe(time.Since(rn.StartedAt).Seconds())
	s.log.Info("run finished", "id", rn.ID, "state", state, "exit_code", code)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	rn, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	chunk, next, _ := rn.Output().ReadFrom(offset)

	st := runStatus{
		ID:         rn.ID,
		State:      rn.State(),
		Output:     string(chunk),
		NextOffset: next,
		Truncated:  rn.Output().Truncated(),
	}
	if code, done := rn.ExitCode(); done {
		st.ExitCode = &code
	}
	if rn.HasReport() {
		st.ReportURL = "/runs/" + rn.ID + "/report"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// handleReport serves the artifact the external script wrote, with
// error sections forced open. A successful run without an artifact is
// reported as "no report generated" rather than a bare 404.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rn, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !rn.Finished() {
		writeError(w, http.StatusConflict, "run is still in progress")
		return
	}
	if rn.State() != run.StateSucceeded {
		writeError(w, http.StatusNotFound, "run did not succeed; no report available")
		return
	}

	doc, err := report.Load(rn.ReportPath())
	if err != nil {
		if errors.Is(err, report.ErrNoReport) {
			writeError(w, http.StatusNotFound, "no report generated")
			return
		}
		s.log.Error("loading report", "id", rn.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not read report")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(doc)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
