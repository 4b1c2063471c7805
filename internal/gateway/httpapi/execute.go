package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/pdbgate/internal/archive"
	"github.com/jkaninda/pdbgate/internal/domain"
	"github.com/jkaninda/pdbgate/internal/jobs"
	"github.com/jkaninda/pdbgate/internal/preprocess"
	"github.com/jkaninda/pdbgate/internal/sandbox"
	"github.com/jkaninda/pdbgate/internal/security"
	"github.com/jkaninda/pdbgate/internal/workspace"
)

// Response headers set on successful job submissions.
const (
	HeaderJobID         = "X-Job-ID"
	HeaderExecutionTime = "X-Execution-Time"
	HeaderJobStatus     = "X-Job-Status"
)

// ExecutionErrorBody is returned when the engine ran and failed, or could
// not be started.
type ExecutionErrorBody struct {
	Error         string `json:"error"`
	JobID         string `json:"job_id"`
	ExitCode      int    `json:"exit_code"`
	FailureReason string `json:"failure_reason,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
}

// ExecuteForm documents the multipart fields of POST /v1/execute.
type ExecuteForm struct {
	Command   string `json:"command" form:"command" required:"true"`
	Arguments string `json:"arguments,omitempty" form:"arguments" description:"JSON object of argument values"`
	Flags     string `json:"flags,omitempty" form:"flags" description:"JSON array of flag names"`
	File      string `json:"file,omitempty" form:"file" format:"binary" description:"Structure passed as the pdb argument"`
}

// ProteinDesignForm documents the multipart fields of POST /v1/protein_design.
type ProteinDesignForm struct {
	PDBFile       string `json:"pdb_file" form:"pdb_file" format:"binary" required:"true"`
	PPInt         bool   `json:"ppint,omitempty" form:"ppint"`
	InterfaceOnly bool   `json:"interface_only,omitempty" form:"interface_only"`
}

// apiError is a handler failure with its HTTP status.
type apiError struct {
	status int
	body   any
}

func (e *apiError) write(c *okapi.Context) error {
	return c.JSON(e.status, e.body)
}

func badRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, body: ErrorBody{Error: msg}}
}

func tooLarge(limit int64) *apiError {
	return &apiError{
		status: http.StatusRequestEntityTooLarge,
		body:   ErrorBody{Error: fmt.Sprintf("file too large (max %d bytes)", limit)},
	}
}

// handleExecute handles POST /v1/execute.
//
// Form fields: command (required), arguments (JSON object, default {}),
// flags (JSON array, default []), file (optional structure upload, passed
// to the engine as the pdb argument).
func (g *Gateway) handleExecute(c *okapi.Context) error {
	if apiErr := g.parseForm(c); apiErr != nil {
		return apiErr.write(c)
	}

	name := strings.TrimSpace(c.FormValue("command"))
	if name == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "command is required"})
	}
	args, err := parseArguments(c.FormValue("arguments"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid arguments: " + err.Error()})
	}
	flags, err := parseFlags(c.FormValue("flags"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid flags: " + err.Error()})
	}

	return g.runJob(c, name, args, flags, "file", false)
}

// handleProteinDesign handles POST /v1/protein_design, a shortcut for the
// ProteinDesign command. Form fields: pdb_file (required), ppint and
// interface_only (booleans).
func (g *Gateway) handleProteinDesign(c *okapi.Context) error {
	if apiErr := g.parseForm(c); apiErr != nil {
		return apiErr.write(c)
	}

	var flags []string
	for _, f := range []string{"ppint", "interface_only"} {
		v := c.FormValue(f)
		if v == "" {
			continue
		}
		on, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: f + " must be a boolean"})
		}
		if on {
			flags = append(flags, f)
		}
	}

	return g.runJob(c, "ProteinDesign", map[string]string{}, flags, "pdb_file", true)
}

func (g *Gateway) runJob(c *okapi.Context, name string, args map[string]string, flags []string, fileField string, fileRequired bool) error {
	// Reject unknown commands before touching the workspace.
	if !g.registry.IsValidCommand(name) {
		return c.JSON(http.StatusBadRequest, ErrorBody{
			Error: "invalid command: " + name,
			Kind:  security.KindInvalidCommand.String(),
		})
	}

	jobDir, err := g.workspace.CreateJobDir()
	if err != nil {
		g.logger.Error("creating job directory failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "internal server error"})
	}
	jobID := workspace.JobID(jobDir)
	archivePath := g.workspace.ArchivePath(jobID)
	// Runs after the response body has been written.
	defer g.scheduleCleanup(jobID, jobDir, archivePath)()

	uploaded, apiErr := g.saveUpload(c, fileField, jobDir)
	if apiErr != nil {
		return apiErr.write(c)
	}
	if uploaded == "" && fileRequired {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: fileField + " is required"})
	}
	if uploaded != "" {
		args["pdb"] = uploaded
	}

	g.logger.Info("job submitted",
		slog.String("job_id", jobID),
		slog.String("command", name),
		slog.Int("arguments", len(args)),
		slog.Int("flags", len(flags)),
		slog.Bool("upload", uploaded != ""),
	)

	res, err := g.jobs.Run(c.Context(), jobs.Request{
		JobID:     jobID,
		Command:   name,
		Arguments: args,
		Flags:     flags,
		WorkDir:   jobDir,
	})
	if err != nil {
		return g.writeRunError(c, jobID, err)
	}

	execution := res.Execution
	if !execution.Success {
		status := http.StatusInternalServerError
		if execution.FailureReason == sandbox.FailureBackendUnavailable {
			status = http.StatusServiceUnavailable
		}
		msg := "Command execution failed"
		if execution.FailureReason == sandbox.FailureTimeout {
			msg = "Command execution timed out"
		}
		return c.JSON(status, ExecutionErrorBody{
			Error:         msg,
			JobID:         jobID,
			ExitCode:      execution.ExitCode,
			FailureReason: string(execution.FailureReason),
			Stderr:        execution.ErrorSummary(),
		})
	}

	info, err := archive.Create(jobDir, archivePath)
	if err != nil {
		g.logger.Error("creating results archive failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "failed to create results archive"})
	}

	g.serveArchive(c, info, res, name)
	return nil
}

// parseForm bounds and parses the multipart body.
func (g *Gateway) parseForm(c *okapi.Context) *apiError {
	limit := g.maxUpload()
	r := c.Request()
	r.Body = http.MaxBytesReader(c.ResponseWriter(), r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return tooLarge(limit)
		}
		if errors.Is(err, http.ErrNotMultipart) {
			// Plain urlencoded forms are accepted for uploads-free requests.
			if err := r.ParseForm(); err == nil {
				return nil
			}
		}
		return badRequest("invalid multipart form: " + err.Error())
	}
	return nil
}

// saveUpload stores the uploaded structure in jobDir and returns its path,
// or "" when the field is absent.
func (g *Gateway) saveUpload(c *okapi.Context, field, jobDir string) (string, *apiError) {
	if c.Request().MultipartForm == nil {
		return "", nil
	}
	hdr, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", badRequest("reading upload: " + err.Error())
	}
	file, err := hdr.Open()
	if err != nil {
		return "", badRequest("reading upload: " + err.Error())
	}
	defer file.Close()

	ext := g.registry.Extension()
	if !strings.HasSuffix(strings.ToLower(hdr.Filename), ext) {
		return "", badRequest("only " + ext + " files are allowed")
	}
	limit := g.maxUpload()
	if hdr.Size > limit {
		return "", tooLarge(limit)
	}
	if g.validator.IsDangerous(hdr.Filename) {
		g.logger.Warn("suspicious upload filename sanitised",
			slog.String("job_id", workspace.JobID(jobDir)),
			slog.String("filename", hdr.Filename),
		)
	}
	name, err := g.validator.SanitizeFilename(hdr.Filename)
	if err != nil {
		return "", badRequest("invalid filename")
	}

	if !sniffPDB(file) {
		return "", badRequest("invalid PDB file format")
	}

	dest := filepath.Join(jobDir, name)
	n, err := writeUpload(dest, file, limit)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			return "", tooLarge(limit)
		}
		g.logger.Error("saving upload failed", slog.String("error", err.Error()))
		return "", &apiError{status: http.StatusInternalServerError, body: ErrorBody{Error: "internal server error"}}
	}
	if g.config.Metrics != nil {
		g.config.Metrics.UploadBytes.Observe(float64(n))
	}
	return dest, nil
}

// sniffPDB checks the leading records and rewinds the upload.
func sniffPDB(f multipart.File) bool {
	ok := preprocess.LooksLikePDB(f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	return ok
}

var errUploadTooLarge = errors.New("upload exceeds size limit")

func writeUpload(dest string, src io.Reader, limit int64) (int64, error) {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(src, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, errUploadTooLarge
	}
	return n, nil
}

// writeRunError maps errors returned by jobs.Service.Run.
func (g *Gateway) writeRunError(c *okapi.Context, jobID string, err error) error {
	kind := security.KindOf(err)
	switch {
	case kind != security.KindUnknown:
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error(), Kind: kind.String()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "request cancelled while waiting for an execution slot"})
	default:
		g.logger.Error("job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "internal server error"})
	}
}

// serveArchive sends the results archive as a download. Content-Length and
// the body come from the file itself.
func (g *Gateway) serveArchive(c *okapi.Context, info archive.Info, res *jobs.Result, name string) {
	c.SetHeader("Content-Type", "application/zstd")
	c.SetHeader(HeaderJobID, res.JobID)
	c.SetHeader(HeaderExecutionTime, strconv.FormatFloat(res.Execution.Elapsed.Seconds(), 'f', 3, 64))
	c.SetHeader(HeaderJobStatus, string(domain.JobCompleted))

	g.logger.Info("serving results archive",
		slog.String("job_id", res.JobID),
		slog.Int("files", info.Files),
		slog.Int64("size", info.Size),
	)
	c.ServeFileAttachment(info.Path, strings.ToLower(name)+"_results_"+res.JobID+archive.Extension)
}

// scheduleCleanup registers a pending cleanup and returns the function that
// starts it. The job directory and archive are removed in the background.
func (g *Gateway) scheduleCleanup(jobID string, paths ...string) func() {
	g.cleanups.Add(1)
	return func() {
		go func() {
			defer g.cleanups.Done()
			for _, p := range paths {
				if err := g.workspace.Destroy(p); err != nil {
					g.logger.Warn("workspace cleanup failed",
						slog.String("job_id", jobID),
						slog.String("path", p),
						slog.String("error", err.Error()),
					)
				}
			}
		}()
	}
}

func (g *Gateway) maxUpload() int64 {
	if g.config.MaxUploadBytes > 0 {
		return g.config.MaxUploadBytes
	}
	return defaultMaxUploadSize
}

// parseArguments decodes the arguments form field. Scalar values are
// rendered as strings; nested values are rejected.
func parseArguments(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("argument %q must be a string, number or boolean", k)
		}
	}
	return out, nil
}

// parseFlags decodes the flags form field.
func parseFlags(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var flags []string
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil, err
	}
	return flags, nil
}
