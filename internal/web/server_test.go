package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deixis/crosscheck/internal/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "validator.py")
	if err := os.WriteFile(script, []byte("# stand-in for the external script\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		ScriptPath:    script,
		RunsDir:       filepath.Join(dir, "runs"),
		RawRunTimeout: "30s",
	}

	s, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, cfg
}

// fakeInterpreter writes an executable shell script standing in for the
// configured Python interpreter. It receives the script path and the
// full flag set as arguments, like the real interpreter would.
func fakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "python")
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// reportWriter is interpreter behaviour that honours --output the way
// the real validation script does.
const reportWriter = `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output" ]; then out="$2"; fi
  shift
done
echo "Row mismatch: 3"
printf '%s' '<div class="table-card error"><details><summary>customers</summary></details></div>' > "$out"
exit 0`

func submitBody(interpreter string) map[string]any {
	return map[string]any{
		"interpreter":  interpreter,
		"aws_region":   "eu-west-1",
		"s3_staging":   "s3://staging/",
		"athena_db":    "lake",
		"mssql_server": "db.internal",
		"mssql_db":     "warehouse",
		"mappings": map[string]any{
			"customers": map[string]any{"sql_table": "dbo.Customers"},
		},
	}
}

func postRun(t *testing.T, ts *httptest.Server, body map[string]any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+"/api/runs", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func createRun(t *testing.T, ts *httptest.Server, body map[string]any) string {
	t.Helper()
	resp := postRun(t, ts, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create run: status %d, body %s", resp.StatusCode, raw)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	return created.ID
}

func getStatus(t *testing.T, ts *httptest.Server, id string, offset int) runStatus {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/api/runs/%s?offset=%d", ts.URL, id, offset))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status request: %d", resp.StatusCode)
	}
	var st runStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func waitFinished(t *testing.T, ts *httptest.Server, id string) runStatus {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		st := getStatus(t, ts, id, 0)
		if st.State != "running" {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIndex(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("run-form")) {
		t.Error("index page is missing the config form")
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateRun_InvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// A submission missing a required field is rejected before anything is
// spawned: the marker the interpreter would write never appears.
func TestCreateRun_ValidationRejectsBeforeSpawn(t *testing.T) {
	ts, cfg := newTestServer(t)

	marker := filepath.Join(t.TempDir(), "spawned")
	body := submitBody(fakeInterpreter(t, "touch "+marker))
	body["aws_region"] = ""

	resp := postRun(t, ts, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("a process was spawned despite the validation failure")
	}
	if entries, _ := os.ReadDir(cfg.RunsDir); len(entries) != 0 {
		t.Error("a run directory was created despite the validation failure")
	}
}

func TestRun_SuccessWithReport(t *testing.T) {
	ts, cfg := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, reportWriter)))
	st := waitFinished(t, ts, id)

	if st.State != "succeeded" {
		t.Fatalf("state = %q, want succeeded", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", st.ExitCode)
	}
	if !strings.Contains(st.Output, "Row mismatch: 3") {
		t.Errorf("output = %q, want the script's printed line", st.Output)
	}
	if st.ReportURL == "" {
		t.Fatal("report_url missing for a successful run with a report")
	}

	// The mappings file was written into the run directory.
	if _, err := os.Stat(filepath.Join(cfg.RunsDir, id, "config.json")); err != nil {
		t.Errorf("mappings file: %v", err)
	}

	// The linked report serves with its error sections expanded.
	resp, err := http.Get(ts.URL + st.ReportURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d, want 200", resp.StatusCode)
	}
	doc, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(doc, []byte("<details open>")) {
		t.Error("served report did not expand the error section")
	}
}

func TestRun_FailureOmitsReport(t *testing.T) {
	ts, _ := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, "echo connection refused; exit 2")))
	st := waitFinished(t, ts, id)

	if st.State != "failed" {
		t.Fatalf("state = %q, want failed", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 2 {
		t.Errorf("exit_code = %v, want 2", st.ExitCode)
	}
	// Output is still surfaced on failure.
	if !strings.Contains(st.Output, "connection refused") {
		t.Errorf("output = %q, want the script's error line", st.Output)
	}
	if st.ReportURL != "" {
		t.Errorf("report_url = %q, want omitted for a failed run", st.ReportURL)
	}

	resp, err := http.Get(ts.URL + "/runs/" + id + "/report")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("report status = %d, want 404", resp.StatusCode)
	}
}

func TestRun_SuccessWithoutArtifact(t *testing.T) {
	ts, _ := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, "echo done; exit 0")))
	st := waitFinished(t, ts, id)

	if st.State != "succeeded" {
		t.Fatalf("state = %q, want succeeded", st.State)
	}
	if st.ReportURL != "" {
		t.Error("report_url present although no artifact was written")
	}

	resp, err := http.Get(ts.URL + "/runs/" + id + "/report")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("report status = %d, want 404", resp.StatusCode)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Error != "no report generated" {
		t.Errorf("error = %q, want the distinct no-report state", payload.Error)
	}
}

func TestRun_SecondSubmissionRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, "sleep 2")))

	resp := postRun(t, ts, submitBody(fakeInterpreter(t, "echo fast")))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second submission status = %d, want 409", resp.StatusCode)
	}

	waitFinished(t, ts, id)
}

func TestRun_LaunchFailure(t *testing.T) {
	ts, _ := newTestServer(t)

	// The interpreter passes validation but cannot actually execute.
	dir := t.TempDir()
	interp := filepath.Join(dir, "python")
	if err := os.WriteFile(interp, []byte("not a binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	resp := postRun(t, ts, submitBody(interp))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	// The slot must be free again for the next submission.
	id := createRun(t, ts, submitBody(fakeInterpreter(t, "echo recovered")))
	waitFinished(t, ts, id)
}

func TestRunStatus_UnknownID(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/runs/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRunStatus_OffsetResumes(t *testing.T) {
	ts, _ := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, "printf 'first\\nsecond\\n'")))
	st := waitFinished(t, ts, id)

	if st.Output != "first\nsecond\n" {
		t.Fatalf("output = %q, want both lines in order", st.Output)
	}

	// Reading again from next_offset yields nothing new.
	tail := getStatus(t, ts, id, st.NextOffset)
	if tail.Output != "" {
		t.Errorf("output past next_offset = %q, want empty", tail.Output)
	}

	// A mid-stream offset yields exactly the remainder.
	mid := getStatus(t, ts, id, len("first\n"))
	if mid.Output != "second\n" {
		t.Errorf("output from mid offset = %q, want %q", mid.Output, "second\n")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	id := createRun(t, ts, submitBody(fakeInterpreter(t, "echo ok")))
	waitFinished(t, ts, id)

	// The completion observer runs asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if bytes.Contains(body, []byte(`crosscheck_runs_total{outcome="succeeded"} 1`)) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics never recorded the finished run:\n%s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
