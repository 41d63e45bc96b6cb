// Package api exposes the upload and read surface: accept an original image,
// plan its variants, enqueue the processing job and serve file/job state.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "golang.org/x/image/webp"

	"github.com/mediamill/mediamill/internal/config"
	"github.com/mediamill/mediamill/internal/domain"
	"github.com/mediamill/mediamill/internal/id"
	"github.com/mediamill/mediamill/internal/pipeline"
	"github.com/mediamill/mediamill/internal/plan"
	"github.com/mediamill/mediamill/internal/store"
)

const headerProjectID = "X-Project-ID"

type objectStorage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	PublicURL(key string) string
}

type Server struct {
	logger      *log.Logger
	cfg         config.APIConfig
	projects    store.ProjectStore
	files       store.FileStore
	jobs        store.JobStore
	storage     objectStorage
	rateLimiter RateLimiter
	metrics     *metrics
	tracer      trace.Tracer
	mux         *http.ServeMux
	handler     http.Handler
}

func NewServer(
	logger *log.Logger,
	cfg config.APIConfig,
	projects store.ProjectStore,
	files store.FileStore,
	jobs store.JobStore,
	storage objectStorage,
	rateLimiter RateLimiter,
) (*Server, error) {
	if projects == nil || files == nil || jobs == nil {
		return nil, errors.New("project, file and job stores are required")
	}
	if storage == nil {
		return nil, errors.New("object storage is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 32 << 20
	}

	s := &Server{
		logger:      logger,
		cfg:         cfg,
		projects:    projects,
		files:       files,
		jobs:        jobs,
		storage:     storage,
		rateLimiter: rateLimiter,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("mediamill/api"),
		mux:         http.NewServeMux(),
	}
	s.routes()
	s.handler = s.withTracing(s.withRateLimit(s.metrics.withHTTPMetrics(s.mux)))
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.metricsHandler()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/upload/image", s.handleUploadImage)
	s.mux.HandleFunc("GET /v1/files/{id}", s.handleGetFile)
	s.mux.HandleFunc("GET /v1/files/{id}/variants/{name}", s.handleGetVariant)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadImage stores the original, resolves the project's variant specs
// into concrete tasks and enqueues one job covering all of them. The response
// already carries the URL every planned variant will be served from, so
// clients can embed those immediately and poll the file status.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	src, header, err := r.FormFile("file")
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds the size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field \"file\" is required"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read the upload"})
		return
	}

	imgCfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "file is not a decodable image"})
		return
	}

	specs, err := domain.ParseSettings(project.Settings)
	if err != nil && !errors.Is(err, domain.ErrNoVariants) {
		s.logger.Printf("invalid settings project_id=%s err=%v", project.ID, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": fmt.Sprintf("project settings are invalid: %v", err)})
		return
	}

	fileID := id.New()
	ext := extForFormat(format)

	originalKey := plan.OriginalKey(project, fileID, ext)
	if err := s.storage.Put(r.Context(), originalKey, data, pipeline.ContentTypeForFormat(format)); err != nil {
		s.logger.Printf("store original failed file_id=%s err=%v", fileID, err)
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to store the upload"})
		return
	}

	// With no variants defined the original alone is the deliverable.
	fileStatus := domain.FileStatusUploaded
	if len(specs) == 0 {
		fileStatus = domain.FileStatusReady
	}

	now := time.Now().UTC()
	file := domain.File{
		ID:         fileID,
		ProjectID:  project.ID,
		StorageKey: originalKey,
		Filename:   header.Filename,
		MimeType:   pipeline.ContentTypeForFormat(format),
		Size:       int64(len(data)),
		Status:     fileStatus,
		Variants:   map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.files.CreateFile(r.Context(), file); err != nil {
		s.logger.Printf("create file failed file_id=%s err=%v", fileID, err)
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record the upload"})
		return
	}

	response := map[string]any{
		"file_id":      file.ID,
		"status":       file.Status,
		"original_url": s.storage.PublicURL(originalKey),
		"width":        imgCfg.Width,
		"height":       imgCfg.Height,
	}

	if len(specs) > 0 {
		tasks, err := plan.Plan(project, plan.Source{FileID: fileID, Ext: ext, Width: imgCfg.Width, Height: imgCfg.Height}, specs)
		if err != nil {
			s.logger.Printf("plan variants failed file_id=%s err=%v", fileID, err)
			s.metrics.uploadsTotal.WithLabelValues("error").Inc()
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": fmt.Sprintf("cannot plan variants: %v", err)})
			return
		}

		job, err := s.jobs.Enqueue(r.Context(), fileID, domain.JobPayload{Variants: tasks})
		if err != nil {
			s.logger.Printf("enqueue failed file_id=%s err=%v", fileID, err)
			s.metrics.uploadsTotal.WithLabelValues("error").Inc()
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue processing"})
			return
		}
		s.metrics.jobsEnqueued.Inc()

		variantURLs := make(map[string]string, len(tasks))
		for _, task := range tasks {
			variantURLs[task.Name] = s.storage.PublicURL(task.StorageKey)
		}
		response["job_id"] = job.ID
		response["variants"] = variantURLs

		s.logger.Printf("upload accepted file_id=%s job_id=%s project_id=%s variants=%d size=%d",
			fileID, job.ID, project.ID, len(tasks), len(data))
	} else {
		s.logger.Printf("upload accepted file_id=%s project_id=%s variants=0 size=%d", fileID, project.ID, len(data))
	}

	s.metrics.uploadsTotal.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusAccepted, response)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, ok := s.fileForRequest(w, r)
	if !ok {
		return
	}

	variants := make(map[string]string, len(file.Variants))
	for name, key := range file.Variants {
		variants[name] = s.storage.PublicURL(key)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":      file.ID,
		"status":       file.Status,
		"filename":     file.Filename,
		"mime_type":    file.MimeType,
		"size":         file.Size,
		"original_url": s.storage.PublicURL(file.StorageKey),
		"variants":     variants,
		"created_at":   file.CreatedAt,
		"updated_at":   file.UpdatedAt,
	})
}

// handleGetVariant serves a short-lived URL for a generated variant. A
// variant that is defined in the project settings but not generated yet is
// enqueued on demand and reported as processing.
func (s *Server) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	file, ok := s.fileForRequest(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	if key, ok := file.Variants[name]; ok {
		url, err := s.storage.PresignedGetURL(r.Context(), key, s.cfg.PresignTTL)
		if err != nil {
			s.logger.Printf("presign failed file_id=%s variant=%s err=%v", file.ID, name, err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to sign the variant URL"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"file_id":    file.ID,
			"variant":    name,
			"url":        url,
			"expires_in": int(s.cfg.PresignTTL.Seconds()),
		})
		return
	}

	jobID, err := s.enqueueMissingVariant(r, file, name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"file_id": file.ID,
			"variant": name,
			"status":  "processing",
			"job_id":  jobID,
		})
	case errors.Is(err, errUnknownVariant):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("variant %q is not defined for this project", name)})
	default:
		s.logger.Printf("lazy enqueue failed file_id=%s variant=%s err=%v", file.ID, name, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to schedule the variant"})
	}
}

var errUnknownVariant = errors.New("variant is not defined")

// enqueueMissingVariant plans and enqueues a single-variant job for a file
// whose other variants may already exist. The original is re-inspected for
// its dimensions since only the bytes in storage know them.
func (s *Server) enqueueMissingVariant(r *http.Request, file domain.File, name string) (string, error) {
	project, found, err := s.projects.GetProject(r.Context(), file.ProjectID)
	if err != nil {
		return "", fmt.Errorf("load project %s: %w", file.ProjectID, err)
	}
	if !found {
		return "", fmt.Errorf("project %s not found", file.ProjectID)
	}

	def, ok := project.Settings.Variants[name]
	if !ok {
		return "", errUnknownVariant
	}
	spec, err := domain.ParseVariantDef(name, def)
	if err != nil {
		return "", fmt.Errorf("variant %s definition: %w", name, err)
	}

	// A polling client must not stack up duplicate work: if a live job
	// already covers this variant, hand back its id instead of enqueueing.
	existing, err := s.jobs.ListJobsForFile(r.Context(), file.ID)
	if err != nil {
		return "", fmt.Errorf("list jobs for file %s: %w", file.ID, err)
	}
	for _, job := range existing {
		if domain.IsTerminalJobStatus(job.Status) {
			continue
		}
		for _, task := range job.Payload.Variants {
			if task.Name == name {
				return job.ID, nil
			}
		}
	}

	data, err := s.storage.Get(r.Context(), file.StorageKey)
	if err != nil {
		return "", fmt.Errorf("fetch original %s: %w", file.StorageKey, err)
	}
	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode original %s: %w", file.StorageKey, err)
	}

	src := plan.Source{
		FileID: file.ID,
		Ext:    strings.TrimPrefix(path.Ext(file.StorageKey), "."),
		Width:  imgCfg.Width,
		Height: imgCfg.Height,
	}
	tasks, err := plan.Plan(project, src, []domain.VariantSpec{spec})
	if err != nil {
		return "", fmt.Errorf("plan variant %s: %w", name, err)
	}

	job, err := s.jobs.Enqueue(r.Context(), file.ID, domain.JobPayload{Variants: tasks})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	s.metrics.jobsEnqueued.Inc()
	s.logger.Printf("variant enqueued on demand file_id=%s variant=%s job_id=%s", file.ID, name, job.ID)
	return job.ID, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" && !validJobStatus(status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown job status %q", status)})
		return
	}
	limit := queryInt(r, "limit", 20, 100)
	offset := queryInt(r, "offset", 0, 1<<30)

	jobs, err := s.jobs.ListJobs(r.Context(), project.ID, status, limit, offset)
	if err != nil {
		s.logger.Printf("list jobs failed project_id=%s err=%v", project.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}

	out := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   out,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, found, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, jobResponse(job))
}

// projectFromRequest resolves the calling project from the X-Project-ID
// header. Every write and listing route is project scoped.
func (s *Server) projectFromRequest(w http.ResponseWriter, r *http.Request) (domain.Project, bool) {
	projectID := strings.TrimSpace(r.Header.Get(headerProjectID))
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": headerProjectID + " header is required"})
		return domain.Project{}, false
	}

	project, found, err := s.projects.GetProject(r.Context(), projectID)
	if err != nil {
		s.logger.Printf("fetch project failed project_id=%s err=%v", projectID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load project"})
		return domain.Project{}, false
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return domain.Project{}, false
	}
	return project, true
}

func (s *Server) fileForRequest(w http.ResponseWriter, r *http.Request) (domain.File, bool) {
	fileID := r.PathValue("id")

	file, found, err := s.files.GetFile(r.Context(), fileID)
	if err != nil {
		s.logger.Printf("fetch file failed file_id=%s err=%v", fileID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load file"})
		return domain.File{}, false
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return domain.File{}, false
	}
	return file, true
}

func jobResponse(job domain.Job) map[string]any {
	resp := map[string]any{
		"job_id":     job.ID,
		"file_id":    job.FileID,
		"status":     job.Status,
		"attempts":   job.Attempts,
		"variants":   len(job.Payload.Variants),
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return resp
}

func validJobStatus(status string) bool {
	switch status {
	case domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobStatusFailed:
		return true
	}
	return false
}

func queryInt(r *http.Request, key string, fallback, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

// extForFormat maps image.DecodeConfig's format name to the extension used in
// storage keys.
func extForFormat(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
