// Package launch defines the RunConfiguration submitted by the form and
// turns it into a validated argument list for the external validation
// script. The flag names are a contract with that script and must not
// change independently of it.
package launch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Artifact names inside a run directory, fixed by agreement with the
// external script.
const (
	MappingsFile = "config.json"
	ReportFile   = "report.html"
)

// KnownTests are the test names the external script understands.
var KnownTests = []string{"schema", "count", "duplicates", "nulls", "data"}

// RunConfiguration is one submission of the config form. It lives only
// for the duration of starting a run; nothing of it is persisted beyond
// the derived artifacts in the run directory.
type RunConfiguration struct {
	Interpreter     string `json:"interpreter"`      // path to the Python interpreter
	AWSRegion       string `json:"aws_region"`
	S3Staging       string `json:"s3_staging"`       // Athena S3 staging URI
	AthenaDB        string `json:"athena_db"`
	AthenaWorkgroup string `json:"athena_workgroup"` // defaults to "primary"
	MSSQLServer     string `json:"mssql_server"`
	MSSQLDB         string `json:"mssql_db"`
	MSSQLSchema     string `json:"mssql_schema"` // defaults to "dbo"

	Tests      []string `json:"tests"`       // subset of KnownTests; empty means all
	SampleSize int      `json:"sample_size"` // rows for data comparison; 0 means script default
	Verbose    bool     `json:"verbose"`

	Mappings map[string]TableMapping `json:"mappings"`
}

// TableMapping pairs an Athena table with its SQL Server counterpart.
// It is written verbatim into the mappings file the script reads.
type TableMapping struct {
	SQLTable       string   `json:"sql_table"`
	PrimaryKeys    []string `json:"primary_keys,omitempty"`
	ExcludeColumns []string `json:"exclude_columns,omitempty"`
}

// ValidationError reports a rejected field. It is surfaced to the user
// before any process is spawned.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks that every required field is present and that the
// configuration cannot produce a malformed argument list. It returns the
// first problem found.
func (rc *RunConfiguration) Validate() error {
	required := []struct {
		field, value string
	}{
		{"interpreter", rc.Interpreter},
		{"aws_region", rc.AWSRegion},
		{"s3_staging", rc.S3Staging},
		{"athena_db", rc.AthenaDB},
		{"mssql_server", rc.MSSQLServer},
		{"mssql_db", rc.MSSQLDB},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Message: "must not be empty"}
		}
	}

	if err := checkInterpreter(rc.Interpreter); err != nil {
		return err
	}

	for _, t := range rc.Tests {
		if !knownTest(t) {
			return &ValidationError{
				Field:   "tests",
				Message: fmt.Sprintf("unknown test %q (known: %s)", t, strings.Join(KnownTests, ", ")),
			}
		}
	}
	if rc.SampleSize < 0 {
		return &ValidationError{Field: "sample_size", Message: "must not be negative"}
	}

	if len(rc.Mappings) == 0 {
		return &ValidationError{Field: "mappings", Message: "at least one table mapping is required"}
	}
	for athena, m := range rc.Mappings {
		if strings.TrimSpace(athena) == "" {
			return &ValidationError{Field: "mappings", Message: "athena table name must not be empty"}
		}
		if strings.TrimSpace(m.SQLTable) == "" {
			return &ValidationError{
				Field:   "mappings",
				Message: fmt.Sprintf("mapping for %q has no sql_table", athena),
			}
		}
	}

	return nil
}

// checkInterpreter verifies that the supplied interpreter path names an
// existing regular file with execute permission. The script path itself
// is server configuration and is not re-checked here.
func checkInterpreter(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Field: "interpreter", Message: "path does not exist"}
	}
	if info.IsDir() {
		return &ValidationError{Field: "interpreter", Message: "path is a directory"}
	}
	if info.Mode().Perm()&0o111 == 0 {
		return &ValidationError{Field: "interpreter", Message: "file is not executable"}
	}
	return nil
}

func knownTest(name string) bool {
	for _, t := range KnownTests {
		if t == name {
			return true
		}
	}
	return false
}

// Args builds the deterministic argument list for one run. Every flag is
// drawn from the fixed schema above; user values only ever appear as
// single argv elements, so they cannot inject flags or shell syntax.
// The first element is the interpreter, the second the script path.
func (rc *RunConfiguration) Args(scriptPath, runDir string) []string {
	workgroup := rc.AthenaWorkgroup
	if workgroup == "" {
		workgroup = "primary"
	}
	schema := rc.MSSQLSchema
	if schema == "" {
		schema = "dbo"
	}
	tests := "all"
	if len(rc.Tests) > 0 {
		tests = strings.Join(rc.Tests, ",")
	}

	argv := []string{
		rc.Interpreter,
		scriptPath,
		"--aws-region", rc.AWSRegion,
		"--s3-staging", rc.S3Staging,
		"--athena-db", rc.AthenaDB,
		"--athena-workgroup", workgroup,
		"--mssql-server", rc.MSSQLServer,
		"--mssql-db", rc.MSSQLDB,
		"--mssql-schema", schema,
		"--config-file", filepath.Join(runDir, MappingsFile),
		"--output", filepath.Join(runDir, ReportFile),
		"--tests", tests,
	}
	if rc.SampleSize > 0 {
		argv = append(argv, "--sample-size", strconv.Itoa(rc.SampleSize))
	}
	if rc.Verbose {
		argv = append(argv, "--verbose")
	}
	return argv
}

// WriteMappings writes the table mappings into runDir in the JSON shape
// the external script expects: {"mappings": {...}}.
func (rc *RunConfiguration) WriteMappings(runDir string) error {
	payload := struct {
		Mappings map[string]TableMapping `json:"mappings"`
	}{Mappings: rc.Mappings}

	data, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return fmt.Errorf("marshalling mappings: %w", err)
	}
	path := filepath.Join(runDir, MappingsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing mappings file: %w", err)
	}
	return nil
}
