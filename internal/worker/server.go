// Package worker runs the bounded-concurrency pool that drains the job
// store: claim, transcode, upload, persist, release.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mediamill/mediamill/internal/config"
	"github.com/mediamill/mediamill/internal/domain"
	"github.com/mediamill/mediamill/internal/pipeline"
	"github.com/mediamill/mediamill/internal/store"
)

type objectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger          *log.Logger
	cfg             config.WorkerConfig
	jobs            store.JobStore
	files           store.FileStore
	objects         objectStore
	transcoder      pipeline.Transcoder
	gate            *Gate
	webhookClient   webhookSender
	webhookEndpoint string
	metrics         *metrics
	tracer          trace.Tracer
	wake            chan struct{}
	wg              sync.WaitGroup
}

func NewServer(
	logger *log.Logger,
	cfg config.WorkerConfig,
	jobs store.JobStore,
	files store.FileStore,
	objects objectStore,
	transcoder pipeline.Transcoder,
	gate *Gate,
	webhookClient webhookSender,
	webhookEndpoint string,
) (*Server, error) {
	if jobs == nil || files == nil {
		return nil, fmt.Errorf("job and file stores are required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if transcoder == nil {
		return nil, fmt.Errorf("transcoder is required")
	}
	if gate == nil {
		gate = NewGate(cfg.Concurrency)
	}

	return &Server{
		logger:          logger,
		cfg:             cfg,
		jobs:            jobs,
		files:           files,
		objects:         objects,
		transcoder:      transcoder,
		gate:            gate,
		webhookClient:   webhookClient,
		webhookEndpoint: webhookEndpoint,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("mediamill/worker"),
		wake:            make(chan struct{}, 1),
	}, nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Run polls the store until ctx is cancelled, then waits for in-flight jobs.
// A recovery sweep runs once at startup and again on every sweep interval.
func (s *Server) Run(ctx context.Context) error {
	s.recoverStale(ctx)

	pollInterval := s.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	sweepInterval := s.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	s.logger.Printf("worker started concurrency=%d poll_interval=%s stale_after=%s",
		s.gate.Cap(), pollInterval, s.cfg.StaleAfter)

	for {
		s.pollOnce(ctx)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-poll.C:
		case <-s.wake:
		case <-sweep.C:
			s.recoverStale(ctx)
		}
	}
}

// pollOnce claims up to the currently free capacity and dispatches each job.
func (s *Server) pollOnce(ctx context.Context) {
	free := s.gate.Free()
	if free == 0 {
		return
	}

	jobs, err := s.jobs.ClaimBatch(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("claim batch failed err=%v", err)
		}
		return
	}
	if len(jobs) == 0 {
		return
	}
	s.metrics.claimedJobsTotal.Add(float64(len(jobs)))

	for _, job := range jobs {
		if err := s.gate.Acquire(ctx); err != nil {
			// Shutdown mid-batch: the unstarted jobs stay processing and the
			// stale sweep returns them to pending later.
			return
		}
		s.wg.Add(1)
		go func(job domain.Job) {
			defer s.wg.Done()
			defer func() {
				s.gate.Release()
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}()
			s.process(ctx, job)
		}(job)
	}
}

func (s *Server) recoverStale(ctx context.Context) {
	staleAfter := s.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}

	count, err := s.jobs.ResetStale(ctx, staleAfter)
	if err != nil {
		s.logger.Printf("stale job sweep failed err=%v", err)
		return
	}
	if count > 0 {
		s.metrics.staleJobsResetTotal.Add(float64(count))
		s.logger.Printf("recovered %d stale jobs (reset to pending)", count)
	}
}

// process runs one claimed job through fetch, transcode and upload. A failed
// variant never rolls back siblings that already uploaded; their keys are
// still merged into the file so partial progress stays visible.
func (s *Server) process(ctx context.Context, job domain.Job) {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker.process_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.file_id", job.FileID),
		attribute.Int("job.attempts", job.Attempts),
		attribute.Int("job.variants", len(job.Payload.Variants)),
	)
	defer span.End()

	s.metrics.activeJobs.Inc()
	defer func() {
		s.metrics.activeJobs.Dec()
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	s.logger.Printf("working job_id=%s file_id=%s attempt=%d variants=%d",
		job.ID, job.FileID, job.Attempts, len(job.Payload.Variants))

	completed, failures := s.runVariants(ctx, job)
	fileStatus := fileStatusFor(len(completed), len(failures))

	if err := s.files.MergeVariants(ctx, job.FileID, completed, fileStatus); err != nil {
		s.logger.Printf("file update failed job_id=%s file_id=%s err=%v", job.ID, job.FileID, err)
		failures = append(failures, variantFailure{name: "", err: fmt.Errorf("persist file variants: %w", err)})
	}

	if len(failures) == 0 {
		if err := s.jobs.Complete(ctx, job.ID); err != nil {
			s.handleFinishError(job, err)
			return
		}
		outcome = domain.JobStatusCompleted
		span.SetStatus(codes.Ok, "processed")
		s.logger.Printf("job completed job_id=%s variants=%d took=%s", job.ID, len(completed), time.Since(startedAt).Round(time.Millisecond))
		s.dispatchWebhook(ctx, "job.completed", map[string]any{
			"job_id":       job.ID,
			"file_id":      job.FileID,
			"status":       domain.JobStatusCompleted,
			"variants":     completed,
			"completed_at": time.Now().UTC(),
		})
		return
	}

	reason := failureReason(failures)
	span.RecordError(errors.New(reason))
	span.SetStatus(codes.Error, "pipeline failed")

	if err := s.jobs.Fail(ctx, job.ID, reason); err != nil {
		s.handleFinishError(job, err)
		return
	}
	s.logger.Printf("job failed job_id=%s completed=%d failed=%d err=%s", job.ID, len(completed), len(failures), reason)
	s.dispatchWebhook(ctx, "job.failed", map[string]any{
		"job_id":    job.ID,
		"file_id":   job.FileID,
		"status":    domain.JobStatusFailed,
		"variants":  completed,
		"error":     reason,
		"failed_at": time.Now().UTC(),
	})
}

// runVariants fetches the original and executes every variant task, returning
// the storage keys that uploaded successfully and the per-variant failures.
func (s *Server) runVariants(ctx context.Context, job domain.Job) (map[string]string, []variantFailure) {
	completed := map[string]string{}

	if len(job.Payload.Variants) == 0 {
		return completed, []variantFailure{{err: errors.New("job payload has no variant tasks")}}
	}

	file, ok, err := s.files.GetFile(ctx, job.FileID)
	if err != nil {
		return completed, []variantFailure{{err: fmt.Errorf("load file %s: %w", job.FileID, err)}}
	}
	if !ok {
		return completed, []variantFailure{{err: fmt.Errorf("file %s not found", job.FileID)}}
	}

	source, err := s.objects.Get(ctx, file.StorageKey)
	if err != nil {
		return completed, []variantFailure{{err: fmt.Errorf("fetch original %s: %w", file.StorageKey, err)}}
	}

	var failures []variantFailure
	for _, task := range job.Payload.Variants {
		variantStart := time.Now()

		out, err := s.transcoder.Transcode(ctx, source, task)
		if err != nil {
			s.metrics.variantFailuresTotal.Inc()
			failures = append(failures, variantFailure{name: task.Name, err: err})
			continue
		}

		if err := s.objects.Put(ctx, task.StorageKey, out.Data, pipeline.ContentTypeForFormat(out.Format)); err != nil {
			s.metrics.variantFailuresTotal.Inc()
			failures = append(failures, variantFailure{name: task.Name, err: fmt.Errorf("upload %s: %w", task.StorageKey, err)})
			continue
		}

		s.metrics.variantOutputsTotal.Inc()
		completed[task.Name] = task.StorageKey
		s.logger.Printf("variant done job_id=%s name=%s size=%dx%d took=%s %s -> %s",
			job.ID, task.Name, out.Width, out.Height,
			time.Since(variantStart).Round(time.Millisecond),
			formatSize(len(source)), formatSize(len(out.Data)))
	}

	return completed, failures
}

// handleFinishError distinguishes a lost claim from a real store error. On a
// claim conflict another worker owns the job now; this one stops quietly.
func (s *Server) handleFinishError(job domain.Job, err error) {
	if errors.Is(err, store.ErrClaimConflict) {
		s.logger.Printf("lost claim job_id=%s, skipping status update", job.ID)
		return
	}
	s.logger.Printf("job status update failed job_id=%s err=%v", job.ID, err)
}

func (s *Server) dispatchWebhook(ctx context.Context, event string, body map[string]any) {
	if s.webhookClient == nil || s.webhookEndpoint == "" {
		return
	}
	if err := s.webhookClient.Send(ctx, s.webhookEndpoint, event, body); err != nil {
		s.logger.Printf("webhook delivery failed event=%s err=%v", event, err)
	}
}

type variantFailure struct {
	name string
	err  error
}

func failureReason(failures []variantFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		if f.name == "" {
			parts = append(parts, f.err.Error())
			continue
		}
		parts = append(parts, fmt.Sprintf("variant %s: %v", f.name, f.err))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func fileStatusFor(completed, failed int) string {
	switch {
	case failed == 0:
		return domain.FileStatusReady
	case completed > 0:
		return domain.FileStatusPartial
	default:
		return domain.FileStatusError
	}
}

func formatSize(bytes int) string {
	const (
		kb = 1024.0
		mb = kb * 1024.0
	)
	switch {
	case float64(bytes) >= mb:
		return fmt.Sprintf("%.2fMiB", float64(bytes)/mb)
	case float64(bytes) >= kb:
		return fmt.Sprintf("%.2fkb", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%db", bytes)
	}
}
