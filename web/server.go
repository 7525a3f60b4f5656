package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/netresearch/jobbroker/core"
	"github.com/netresearch/jobbroker/core/domain"
)

// maxUploadBytes bounds a single submit request's multipart body, rejecting
// oversized archives outright.
const maxUploadBytes = 256 << 20

// Server is the authenticated REST boundary: it turns an authenticated HTTP
// request into a core.Orchestrator/core.InteractiveRunner call and the
// result back into JSON. Uses an http.NewServeMux, GetHTTPServer for
// graceful shutdown, and a security-headers + rate-limiter middleware
// chain; there are no job CRUD handlers since jobs are submitted once,
// not scheduled.
type Server struct {
	orchestrator *core.Orchestrator
	store        core.JobStore
	interactive  *core.InteractiveRunner
	jwt          *JWTManager
	health       *HealthChecker
	srv          *http.Server
}

// NewServer wires every handler behind the JWT and rate-limiting middleware
// and returns a Server ready for Start.
func NewServer(addr string, orchestrator *core.Orchestrator, store core.JobStore, interactive *core.InteractiveRunner, jwt *JWTManager, health *HealthChecker) *Server {
	server := &Server{
		orchestrator: orchestrator,
		store:        store,
		interactive:  interactive,
		jwt:          jwt,
		health:       health,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", server.submitHandler)
	mux.HandleFunc("GET /api/jobs/{id}", server.statusHandler)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", server.cancelHandler)
	mux.HandleFunc("POST /api/jobs/{id}/interactive/{name}", server.interactiveHandler)

	mux.HandleFunc("/health", health.HealthHandler())
	mux.HandleFunc("/healthz", health.HealthHandler())
	mux.HandleFunc("/ready", health.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	rl := newRateLimiter(100, time.Minute)
	var handler http.Handler = mux
	handler = jwt.Middleware(handler)
	handler = securityHeaders(handler)
	handler = rl.middleware(handler)

	server.srv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return server
}

// GetHTTPServer returns the underlying http.Server for core.NewGracefulServer.
func (s *Server) GetHTTPServer() *http.Server { return s.srv }

func (s *Server) Start() error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = err
		}
	}()
	return nil
}

type submitResponse struct {
	JobID int64 `json:"job_id"`
}

// submitHandler implements the submit endpoint: a multipart
// request carrying "application", "name", an optional "params" JSON object,
// and zero or more "files" parts satisfying the application's upload_needs.
// The parts are written to a scratch directory first since the job id (and
// therefore its input directory) only exists once Orchestrator.Submit has
// run CreateJob internally.
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart form: %v", err), http.StatusBadRequest)
		return
	}

	applicationName := r.FormValue("application")
	name := r.FormValue("name")
	if applicationName == "" || name == "" {
		http.Error(w, "application and name are required", http.StatusBadRequest)
		return
	}

	params := map[string]any{}
	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			http.Error(w, fmt.Sprintf("invalid params JSON: %v", err), http.StatusBadRequest)
			return
		}
	}

	uploadDir, presentFiles, err := s.stageUploads(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("stage uploads: %v", err), http.StatusBadRequest)
		return
	}
	if uploadDir != "" {
		defer os.RemoveAll(uploadDir)
	}

	jobID, err := s.orchestrator.Submit(r.Context(), principal, applicationName, name, presentFiles, params, uploadDir)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitResponse{JobID: jobID})
}

// stageUploads copies every "files" multipart part to a scratch directory,
// returning its path (empty if no files were present) and the list of
// uploaded filenames Submit needs for its upload_needs check.
func (s *Server) stageUploads(r *http.Request) (string, []string, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		return "", nil, nil
	}

	dir, err := os.MkdirTemp("", "jobbroker-upload-*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}

	var names []string
	for _, fh := range r.MultipartForm.File["files"] {
		if err := stageOneUpload(dir, fh); err != nil {
			os.RemoveAll(dir)
			return "", nil, err
		}
		names = append(names, fh.Filename)
	}
	return dir, names, nil
}

func stageOneUpload(dir string, fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(dir, sanitizeFilename(fh.Filename)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", fh.Filename, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", fh.Filename, err)
	}
	return nil
}

type jobStatusResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Application string  `json:"application"`
	Destination string  `json:"destination"`
	State       string  `json:"state"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	Submitter   string  `json:"submitter"`
}

// statusHandler implements the status endpoint, restricted to the
// job's own submitter (or an "admin" role) the same way cancel and
// interactive are.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadAuthorizedJob(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobStatusResponse{
		ID:          job.ID,
		Name:        job.Name,
		Application: job.Application,
		Destination: job.Destination,
		State:       string(job.State),
		ExitCode:    job.ExitCode,
		Reason:      job.Reason,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
		Submitter:   job.Submitter,
	})
}

// cancelHandler implements the cancel endpoint. Cancelling an
// already-terminal job succeeds as a no-op.
func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadAuthorizedJob(w, r)
	if !ok {
		return
	}
	if err := s.orchestrator.Cancel(r.Context(), job.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type interactiveResponse struct {
	ReturnCode int    `json:"return_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// interactiveHandler runs a follow-up command against an
// already-completed job's directory.
func (s *Server) interactiveHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadAuthorizedJob(w, r)
	if !ok {
		return
	}
	interactiveName := r.PathValue("name")

	var params map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, fmt.Sprintf("invalid params JSON: %v", err), http.StatusBadRequest)
			return
		}
	}

	result, err := s.interactive.Run(r.Context(), job.ID, interactiveName, params)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(interactiveResponse{
		ReturnCode: result.ReturnCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
	})
}

// loadAuthorizedJob parses the {id} path value, loads the job, and enforces
// that the caller either submitted it or holds the "admin" role. It writes
// the HTTP response itself on any failure.
func (s *Server) loadAuthorizedJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return domain.Job{}, false
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return domain.Job{}, false
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return domain.Job{}, false
	}

	if job.Submitter != principal.UserID && !principal.HasRole("admin") {
		http.Error(w, "forbidden", http.StatusForbidden)
		return domain.Job{}, false
	}

	return job, true
}

// writeDomainError maps a core/domain sentinel error to its HTTP status
// according to the broker's error taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	var validationList domain.ValidationErrors
	var config *domain.ConfigurationError
	var interactiveErr *domain.InteractiveRunError

	switch {
	case errors.As(err, &validation), errors.As(err, &validationList):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &config):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case errors.As(err, &interactiveErr):
		switch interactiveErr.Reason {
		case "job_not_ok", "job_application_mismatch":
			http.Error(w, err.Error(), http.StatusConflict)
		case "timeout":
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
		case "nonzero_exit", "output_cap_exceeded":
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	case errors.Is(err, domain.ErrJobDirMissing):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// sanitizeFilename strips any path component from an uploaded filename so a
// crafted "../../etc/passwd" part can never escape the scratch directory.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}
