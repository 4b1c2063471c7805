package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeStub writes an executable shell script standing in for the engine.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("writing stub: %v", err)
	}
	return path
}

func mustArgv(t *testing.T, tokens ...string) security.Argv {
	t.Helper()
	argv, err := security.NewValidator(registry.Default()).Validate(tokens)
	if err != nil {
		t.Fatalf("Validate(%v): %v", tokens, err)
	}
	return argv
}

func TestProcessSandbox_EchoStub(t *testing.T) {
	workDir := t.TempDir()
	stub := writeStub(t, `echo "$@"`)
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: stub, Timeout: 10 * time.Second}, testLogger())

	argv := mustArgv(t, "--command=ProteinDesign", "--pdb="+workDir+"/input.pdb", "--ppint")
	result := sbx.Execute(context.Background(), ExecutionRequest{Args: argv, WorkingDir: workDir})

	if !result.Success {
		t.Fatalf("success = false, reason = %q, stderr = %q", result.FailureReason, result.Stderr)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	want := "--command=ProteinDesign --pdb=" + workDir + "/input.pdb --ppint"
	if got := strings.TrimSpace(result.Stdout); got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if result.Elapsed <= 0 {
		t.Error("elapsed should be populated")
	}
}

func TestProcessSandbox_NoShellInterpretation(t *testing.T) {
	// Each token must arrive as exactly one argument.
	stub := writeStub(t, `echo "$#"`)
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: stub}, testLogger())

	argv := mustArgv(t, "--command=BuildMutant", "--seq=A B C", "--debug")
	result := sbx.Execute(context.Background(), ExecutionRequest{Args: argv, WorkingDir: t.TempDir()})

	if got := strings.TrimSpace(result.Stdout); got != "3" {
		t.Errorf("argc = %s, want 3", got)
	}
}

func TestProcessSandbox_WorkingDir(t *testing.T) {
	workDir := t.TempDir()
	stub := writeStub(t, `pwd`)
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: stub}, testLogger())

	result := sbx.Execute(context.Background(), ExecutionRequest{
		Args:       mustArgv(t, "--command=PredSS"),
		WorkingDir: workDir,
	})

	want, _ := filepath.EvalSymlinks(workDir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(result.Stdout))
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestProcessSandbox_InheritsEnvironment(t *testing.T) {
	t.Setenv("PDBGATE_TEST_ENGINE_VAR", "inherited")
	stub := writeStub(t, `echo "$PDBGATE_TEST_ENGINE_VAR"`)
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: stub}, testLogger())

	result := sbx.Execute(context.Background(), ExecutionRequest{
		Args:       mustArgv(t, "--help"),
		WorkingDir: t.TempDir(),
	})
	if got := strings.TrimSpace(result.Stdout); got != "inherited" {
		t.Errorf("env = %q, want %q", got, "inherited")
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	stub := writeStub(t, "echo boom >&2\nexit 7")
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: stub}, testLogger())

	result := sbx.Execute(context.Background(), ExecutionRequest{
		Args:       mustArgv(t, "--command=Minimize"),
		WorkingDir: t.TempDir(),
	})

	if result.Success {
		t.Error("success = true, want false")
	}
	if result.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", result.ExitCode)
	}
	if result.FailureReason != FailureNone {
		t.Errorf("failure reason = %q, want none", result.FailureReason)
	}
	if strings.TrimSpace(result.Stderr) != "boom" {
		t.Errorf("stderr = %q, want boom", result.Stderr)
	}
}

func TestProcessSandbox_Timeout(t *testing.T) {
	stub := writeStub(t, "echo started\nsleep 5")
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: stub, Timeout: 1 * time.Second}, testLogger())

	start := time.Now()
	result := sbx.Execute(context.Background(), ExecutionRequest{
		Args:       mustArgv(t, "--command=ProteinDesign"),
		WorkingDir: t.TempDir(),
	})
	wall := time.Since(start)

	if result.Success {
		t.Error("success = true, want false")
	}
	if result.FailureReason != FailureTimeout {
		t.Errorf("failure reason = %q, want timeout", result.FailureReason)
	}
	if result.ExitCode != ExitCodeTimeout {
		t.Errorf("exit code = %d, want %d", result.ExitCode, ExitCodeTimeout)
	}
	if wall > 3*time.Second {
		t.Errorf("execute took %s, want about 1s", wall)
	}
	if result.Elapsed < time.Second {
		t.Errorf("elapsed = %s, want >= 1s", result.Elapsed)
	}
	if !strings.Contains(result.Stdout, "started") {
		t.Errorf("partial stdout lost: %q", result.Stdout)
	}
}

func TestProcessSandbox_CallerCancelDoesNotStopEngine(t *testing.T) {
	stub := writeStub(t, "sleep 1\necho finished")
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: stub, Timeout: 30 * time.Second}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	defer cancel()

	result := sbx.Execute(ctx, ExecutionRequest{
		Args:       mustArgv(t, "--command=ProteinDesign"),
		WorkingDir: t.TempDir(),
	})
	if result.FailureReason != FailureNone {
		t.Fatalf("failure reason = %q, want none (stderr %q)", result.FailureReason, result.Stderr)
	}
	if !result.Success || result.ExitCode != 0 {
		t.Errorf("result = %+v, want success", result)
	}
	if !strings.Contains(result.Stdout, "finished") {
		t.Errorf("stdout = %q, want engine to run to completion", result.Stdout)
	}
}

func TestProcessSandbox_LaunchErrors(t *testing.T) {
	notExec := filepath.Join(t.TempDir(), "engine")
	if err := os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		binary  string
		workDir string
	}{
		{"missing binary", filepath.Join(t.TempDir(), "nope"), t.TempDir()},
		{"not executable", notExec, t.TempDir()},
		{"missing working dir", writeStub(t, "true"), filepath.Join(t.TempDir(), "gone")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sbx := NewProcessSandbox(ProcessConfig{BinaryPath: tc.binary}, testLogger())
			result := sbx.Execute(context.Background(), ExecutionRequest{
				Args:       mustArgv(t, "--command=PredSS"),
				WorkingDir: tc.workDir,
			})
			if result.Success {
				t.Fatal("success = true, want false")
			}
			if result.ExitCode != ExitCodeLaunchError {
				t.Errorf("exit code = %d, want %d", result.ExitCode, ExitCodeLaunchError)
			}
			if result.FailureReason != FailureLaunchError {
				t.Errorf("failure reason = %q, want launch_error", result.FailureReason)
			}
			if result.Stderr == "" {
				t.Error("stderr should describe the launch failure")
			}
		})
	}
}

func TestProcessSandbox_ZeroArgv(t *testing.T) {
	sbx := NewProcessSandbox(ProcessConfig{BinaryPath: writeStub(t, "true")}, testLogger())
	result := sbx.Execute(context.Background(), ExecutionRequest{WorkingDir: t.TempDir()})
	if result.Success || result.FailureReason != FailureLaunchError {
		t.Errorf("zero argv: success=%v reason=%q", result.Success, result.FailureReason)
	}
}

func TestProcessSandbox_Available(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		binary  string
		wantErr bool
	}{
		{"regular file", writeStub(t, "true"), false},
		{"missing", filepath.Join(dir, "missing"), true},
		{"directory", dir, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := NewProcessSandbox(ProcessConfig{BinaryPath: tc.binary}, testLogger()).Available(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Available() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBackendUnavailable) {
				t.Errorf("error %v does not wrap ErrBackendUnavailable", err)
			}
		})
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = lw.Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("Write past limit = %d, %v; want full length, nil", n, err)
	}
	if _, err := lw.Write([]byte("ijk")); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "abcde" {
		t.Errorf("buffer = %q, want abcde", buf.String())
	}
}

func TestExecutionResult_ErrorSummary(t *testing.T) {
	short := &ExecutionResult{Stderr: "oops"}
	if short.ErrorSummary() != "oops" {
		t.Errorf("ErrorSummary = %q", short.ErrorSummary())
	}
	long := &ExecutionResult{Stderr: strings.Repeat("x", 5000)}
	if got := len(long.ErrorSummary()); got != 1000 {
		t.Errorf("len(ErrorSummary) = %d, want 1000", got)
	}

	// "é" is two bytes; byte 1000 lands in the middle of one.
	multi := &ExecutionResult{Stderr: "x" + strings.Repeat("é", 1000)}
	got := multi.ErrorSummary()
	if !utf8.ValidString(got) {
		t.Errorf("ErrorSummary split a rune: % x", got[len(got)-2:])
	}
	if len(got) != 999 {
		t.Errorf("len(ErrorSummary) = %d, want 999", len(got))
	}
}

func TestNewResult_SuccessInvariant(t *testing.T) {
	tests := []struct {
		code   int
		reason FailureReason
		want   bool
	}{
		{0, FailureNone, true},
		{1, FailureNone, false},
		{ExitCodeTimeout, FailureTimeout, false},
		{0, FailureBackendUnavailable, false},
	}
	for _, tc := range tests {
		r := newResult("", "", tc.code, time.Millisecond, tc.reason)
		if r.Success != tc.want {
			t.Errorf("newResult(%d, %q).Success = %v, want %v", tc.code, tc.reason, r.Success, tc.want)
		}
	}
}

func TestNew_Selection(t *testing.T) {
	stub := writeStub(t, "true")

	sbx, err := New(Config{Process: ProcessConfig{BinaryPath: stub}}, testLogger())
	if err != nil || sbx.Type() != TypeProcess {
		t.Fatalf("New(process) = %v, %v", sbx, err)
	}
	sbx, err = New(Config{Type: TypeDocker, Docker: DockerConfig{Image: "x"}}, testLogger())
	if err != nil || sbx.Type() != TypeDocker {
		t.Fatalf("New(docker) = %v, %v", sbx, err)
	}
	if _, err := New(Config{Type: "firecracker"}, testLogger()); err == nil {
		t.Error("unknown type should fail")
	}
	if _, err := New(Config{Type: TypeProcess}, testLogger()); err == nil {
		t.Error("process without binary should fail")
	}
}
