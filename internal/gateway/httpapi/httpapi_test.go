package httpapi

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/jkaninda/pdbgate/internal/command"
	"github.com/jkaninda/pdbgate/internal/jobs"
	"github.com/jkaninda/pdbgate/internal/observability"
	"github.com/jkaninda/pdbgate/internal/ratelimit"
	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/sandbox"
	"github.com/jkaninda/pdbgate/internal/security"
	"github.com/jkaninda/pdbgate/internal/storage"
	"github.com/jkaninda/pdbgate/internal/storage/sqlite"
	"github.com/jkaninda/pdbgate/internal/workspace"
)

const samplePDB = "HEADER    DE NOVO PROTEIN\nATOM      1  CA  ALA A   1      11.104   6.134  -6.504  1.00  0.00           C\nEND\n"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	gw     *Gateway
	ws     *workspace.Workspace
	store  storage.JobStore
	server *httptest.Server
}

type envOption func(*Config, *Gateway)

func withMaxUpload(n int64) envOption {
	return func(c *Config, _ *Gateway) { c.MaxUploadBytes = n }
}

func withReadiness(r *observability.Readiness) envOption {
	return func(c *Config, _ *Gateway) { c.Readiness = r }
}

func withCORS(origins ...string) envOption {
	return func(c *Config, _ *Gateway) { c.CORSOrigins = origins }
}

func withLimiter(rl *ratelimit.Limiter) envOption {
	return func(_ *Config, g *Gateway) { g.WithRateLimiter(rl) }
}

// newTestEnv wires a gateway to a stub engine whose body is a shell script.
func newTestEnv(t *testing.T, stubBody string, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()

	stub := filepath.Join(dir, "engine")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\n"+stubBody+"\n"), 0755); err != nil {
		t.Fatal(err)
	}

	ws, err := workspace.New(filepath.Join(dir, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := sqlite.Open(sqlite.Config{Path: ws.DatabasePath()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg := registry.Default()
	v := security.NewValidator(reg)
	svc, err := jobs.NewService(jobs.Settings{
		Registry: reg,
		Builder:  command.NewBuilder(v, stub, false),
		Sandbox:  sandbox.NewProcessSandbox(sandbox.ProcessConfig{BinaryPath: stub, Timeout: 10 * time.Second}, testLogger()),
		Gate:     sandbox.NewGate(2),
		Store:    db.Jobs(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{Version: "test"}
	gw := NewGateway(cfg, svc, ws, v, testLogger()).WithJobStore(db.Jobs())
	for _, o := range opts {
		o(&gw.config, gw)
	}

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, ws: ws, store: db.Jobs(), server: srv}
}

type upload struct {
	field, filename, content string
}

func (e *testEnv) postForm(t *testing.T, path string, fields map[string]string, up *upload) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if up != nil {
		fw, err := mw.CreateFormFile(up.field, up.filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(fw, up.content); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(e.server.URL+path, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// waitCleanups blocks until background workspace removals are done.
func (e *testEnv) waitCleanups(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.gw.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

// readArchive returns the files of a .tar.zst body by name.
func readArchive(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	zr, err := zstd.NewReader(r)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	files := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		files[hdr.Name] = string(data)
	}
	return files
}

func decodeError(t *testing.T, resp *http.Response) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body
}

func TestExecute_Success(t *testing.T) {
	env := newTestEnv(t, `echo "$@" > result.txt`)

	resp := env.postForm(t, "/v1/execute", map[string]string{
		"command":   "ComputeStability",
		"arguments": `{"prefix": "run1", "ntraj": 5, "bogus": "dropped"}`,
		"flags":     `["physics", "unknown_flag"]`,
	}, &upload{field: "file", filename: "my protein.pdb", content: samplePDB})

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, b)
	}
	jobID := resp.Header.Get(HeaderJobID)
	if jobID == "" {
		t.Fatal("missing job id header")
	}
	if got := resp.Header.Get(HeaderJobStatus); got != "completed" {
		t.Errorf("job status header = %q", got)
	}
	if resp.Header.Get(HeaderExecutionTime) == "" {
		t.Error("missing execution time header")
	}
	wantName := "computestability_results_" + jobID + ".tar.zst"
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, wantName) {
		t.Errorf("Content-Disposition = %q, want %q", cd, wantName)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zstd" {
		t.Errorf("Content-Type = %q, want application/zstd", ct)
	}
	if resp.ContentLength <= 0 {
		t.Errorf("Content-Length = %d, want the archive size", resp.ContentLength)
	}

	files := readArchive(t, resp.Body)
	if files["my_protein.pdb"] != samplePDB {
		t.Errorf("archive is missing the sanitised upload: %v", files)
	}
	argv := strings.TrimSpace(files["result.txt"])
	for _, want := range []string{"--command=ComputeStability", "--ntraj=5", "--pdb=", "my_protein.pdb", "--prefix=run1", "--physics"} {
		if !strings.Contains(argv, want) {
			t.Errorf("engine argv %q missing %q", argv, want)
		}
	}
	if strings.Contains(argv, "bogus") || strings.Contains(argv, "unknown_flag") {
		t.Errorf("unknown inputs reached the engine: %q", argv)
	}

	env.waitCleanups(t)
	if entries, _ := os.ReadDir(env.ws.JobsDir()); len(entries) != 0 {
		t.Errorf("job directories left behind: %d", len(entries))
	}
	if entries, _ := os.ReadDir(env.ws.ArchivesDir()); len(entries) != 0 {
		t.Errorf("archives left behind: %d", len(entries))
	}

	job, err := env.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job not recorded: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("stored status = %s", job.Status)
	}
}

func TestExecute_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		upload   *upload
		status   int
		wantKind string
	}{
		{
			name:   "missing command",
			fields: map[string]string{},
			status: http.StatusBadRequest,
		},
		{
			name:     "unknown command",
			fields:   map[string]string{"command": "Shutdown"},
			status:   http.StatusBadRequest,
			wantKind: "invalid_command",
		},
		{
			name:     "dangerous argument",
			fields:   map[string]string{"command": "Minimize", "arguments": `{"prefix": "x; rm -rf /"}`},
			status:   http.StatusBadRequest,
			wantKind: "dangerous_pattern",
		},
		{
			name:   "arguments not json",
			fields: map[string]string{"command": "Minimize", "arguments": "prefix=x"},
			status: http.StatusBadRequest,
		},
		{
			name:   "nested argument",
			fields: map[string]string{"command": "Minimize", "arguments": `{"prefix": {"a": 1}}`},
			status: http.StatusBadRequest,
		},
		{
			name:   "flags not array",
			fields: map[string]string{"command": "Minimize", "flags": `"physics"`},
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong extension",
			fields: map[string]string{"command": "Minimize"},
			upload: &upload{field: "file", filename: "input.cif", content: samplePDB},
			status: http.StatusBadRequest,
		},
		{
			name:   "not a structure",
			fields: map[string]string{"command": "Minimize"},
			upload: &upload{field: "file", filename: "input.pdb", content: "#!/bin/sh\nrm -rf /\n"},
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			fields: map[string]string{"command": "Minimize"},
			upload: &upload{field: "file", filename: "input.pdb", content: samplePDB + strings.Repeat("REMARK padding\n", 100)},
			status: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker := filepath.Join(t.TempDir(), "ran")
			env := newTestEnv(t, "touch "+marker, withMaxUpload(512))

			resp := env.postForm(t, "/v1/execute", tc.fields, tc.upload)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			body := decodeError(t, resp)
			if body.Error == "" {
				t.Error("empty error message")
			}
			if tc.wantKind != "" && body.Kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", body.Kind, tc.wantKind)
			}
			if _, err := os.Stat(marker); err == nil {
				t.Error("engine ran for a rejected request")
			}

			env.waitCleanups(t)
			if entries, _ := os.ReadDir(env.ws.JobsDir()); len(entries) != 0 {
				t.Errorf("job directories left behind: %d", len(entries))
			}
		})
	}
}

func TestExecute_EngineFailure(t *testing.T) {
	env := newTestEnv(t, `echo "segfault in rotamer packing" >&2; exit 139`)

	resp := env.postForm(t, "/v1/execute", map[string]string{"command": "RepairStructure"}, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body ExecutionErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ExitCode != 139 || !strings.Contains(body.Stderr, "rotamer packing") {
		t.Errorf("body = %+v", body)
	}
	if body.JobID == "" {
		t.Error("missing job id")
	}
}

func TestProteinDesign(t *testing.T) {
	env := newTestEnv(t, `echo "$@" > result.txt`)

	resp := env.postForm(t, "/v1/protein_design", map[string]string{"ppint": "true", "interface_only": "false"},
		&upload{field: "pdb_file", filename: "complex.pdb", content: samplePDB})
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, b)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "proteindesign_results_") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	argv := readArchive(t, resp.Body)["result.txt"]
	if !strings.HasPrefix(argv, "--command=ProteinDesign --pdb=") || !strings.Contains(argv, "--ppint") {
		t.Errorf("engine argv = %q", argv)
	}
	if strings.Contains(argv, "--interface_only") {
		t.Errorf("interface_only=false should not be passed: %q", argv)
	}
}

func TestProteinDesign_RequiresFile(t *testing.T) {
	env := newTestEnv(t, `exit 0`)
	resp := env.postForm(t, "/v1/protein_design", map[string]string{"ppint": "true"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp = env.postForm(t, "/v1/protein_design", map[string]string{"ppint": "maybe"},
		&upload{field: "pdb_file", filename: "a.pdb", content: samplePDB})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad boolean: status = %d, want 400", resp.StatusCode)
	}
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t, `exit 0`)
	resp := env.get(t, "/v1/commands")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body CommandsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Commands) != 35 {
		t.Errorf("commands = %d, want 35", len(body.Commands))
	}
	if strings.Join(body.PathArguments, ",") != "pdb,pdb2" {
		t.Errorf("path arguments = %v", body.PathArguments)
	}
	if body.Extension != ".pdb" {
		t.Errorf("extension = %q", body.Extension)
	}
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t, `exit 0`)

	resp := env.postForm(t, "/v1/execute", map[string]string{"command": "PredSS"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}
	jobID := resp.Header.Get(HeaderJobID)

	resp = env.get(t, "/v1/jobs/"+jobID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var job JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	if job.ID != jobID || job.Status != "completed" || job.Command != "PredSS" {
		t.Errorf("job = %+v", job)
	}

	resp = env.get(t, "/v1/jobs?status=completed&limit=10")
	var list []JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != jobID {
		t.Errorf("list = %+v", list)
	}

	if resp := env.get(t, "/v1/jobs/does-not-exist"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", resp.StatusCode)
	}
	if resp := env.get(t, "/v1/jobs?status=exploded"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, `exit 0`, withLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})))

	if resp := env.get(t, "/v1/commands"); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	if resp := env.get(t, "/v1/commands"); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	resp := env.postForm(t, "/v1/execute", map[string]string{"command": "PredSS"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("execute status = %d, want 429", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, `exit 0`)
	for _, path := range []string{"/healthz", "/readyz"} {
		if resp := env.get(t, path); resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestReadiness(t *testing.T) {
	ready := observability.NewReadiness(nil)
	var failing atomic.Bool
	ready.AddCheck("database", func(context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	})
	env := newTestEnv(t, `exit 0`, withReadiness(ready))
	ready.ReportExecution(env.gw.jobs.ExecutionState)

	resp := env.get(t, "/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var report observability.ReadinessReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Execution == nil || report.Execution.Backend != "process" || report.Execution.Capacity != 2 {
		t.Errorf("execution = %+v, want process backend with 2 slots", report.Execution)
	}

	failing.Store(true)
	resp = env.get(t, "/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	report = observability.ReadinessReport{}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Checks["database"].Message != "connection refused" {
		t.Errorf("checks = %+v", report.Checks)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name            string
		origins         []string
		origin          string
		wantOrigin      string
		wantCredentials string
	}{
		{"listed origin", []string{"https://app.example.org"}, "https://app.example.org", "https://app.example.org", "true"},
		{"unlisted origin", []string{"https://app.example.org"}, "https://evil.example.org", "", ""},
		{"wildcard never allows credentials", []string{"*"}, "https://evil.example.org", "https://evil.example.org", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, `exit 0`, withCORS(tc.origins...))

			req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/commands", nil)
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set("Origin", tc.origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Errorf("allow origin = %q, want %q", got, tc.wantOrigin)
			}
			if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != tc.wantCredentials {
				t.Errorf("allow credentials = %q, want %q", got, tc.wantCredentials)
			}
			if tc.wantOrigin != "" && !strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), HeaderExecutionTime) {
				t.Errorf("expose headers = %q", resp.Header.Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, `exit 0`, withCORS("https://app.example.org"))

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/v1/execute", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.org" {
		t.Errorf("allow origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("max age = %q, want 600", got)
	}
}

func TestParseArguments(t *testing.T) {
	got, err := parseArguments(`{"prefix": "a", "ntraj": 10, "wbind": 0.5, "flag": true, "empty": null}`)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"prefix": "a", "ntraj": "10", "wbind": "0.5", "flag": "true"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	if got, err := parseArguments(""); err != nil || len(got) != 0 {
		t.Errorf("empty input = %v, %v", got, err)
	}
	if _, err := parseArguments(`["pdb"]`); err == nil {
		t.Error("expected error for array input")
	}
}
