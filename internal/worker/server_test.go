package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/mediamill/mediamill/internal/config"
	"github.com/mediamill/mediamill/internal/domain"
	"github.com/mediamill/mediamill/internal/pipeline"
	"github.com/mediamill/mediamill/internal/store"
)

type fakeObjects struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	putErrs map[string]error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{blobs: map[string][]byte{}, putErrs: map[string]error{}}
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return data, nil
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.putErrs[key]; err != nil {
		return err
	}
	f.blobs[key] = data
	return nil
}

func (f *fakeObjects) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[key]
	return ok
}

// fakeTranscoder succeeds with a marker payload unless the variant name is in
// failFor.
type fakeTranscoder struct {
	failFor map[string]bool
}

func (f fakeTranscoder) Transcode(_ context.Context, _ []byte, task domain.VariantTask) (pipeline.Output, error) {
	if f.failFor[task.Name] {
		return pipeline.Output{}, fmt.Errorf("encode %s: synthetic failure", task.Format)
	}
	return pipeline.Output{
		Data:   []byte("encoded-" + task.Name),
		Format: "jpeg",
		Width:  task.Width,
		Height: task.Height,
	}, nil
}

type captureWebhook struct {
	mu     sync.Mutex
	events []string
}

func (c *captureWebhook) Send(_ context.Context, _, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func testServer(t *testing.T, s *store.MemoryStore, objects *fakeObjects, tc pipeline.Transcoder, hook webhookSender) *Server {
	t.Helper()

	endpoint := ""
	if hook != nil {
		endpoint = "http://hooks.example/events"
	}
	srv, err := NewServer(
		log.New(io.Discard, "", 0),
		config.WorkerConfig{Concurrency: 2},
		s, s, objects, tc, NewGate(2), hook, endpoint,
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func seedUpload(t *testing.T, s *store.MemoryStore, objects *fakeObjects, tasks []domain.VariantTask) domain.Job {
	t.Helper()

	file := domain.File{
		ID:         "file-1",
		ProjectID:  "proj-1",
		StorageKey: "acme-proj-1/images/original/file-1.jpg",
		Status:     domain.FileStatusUploaded,
		Variants:   map[string]string{},
	}
	if err := s.CreateFile(context.Background(), file); err != nil {
		t.Fatalf("create file: %v", err)
	}
	objects.blobs[file.StorageKey] = []byte("original-bytes")

	if _, err := s.Enqueue(context.Background(), file.ID, domain.JobPayload{Variants: tasks}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimBatch(context.Background(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(claimed))
	}
	return claimed[0]
}

func twoTasks() []domain.VariantTask {
	return []domain.VariantTask{
		{Name: "thumb", Format: "jpeg", Width: 100, Height: 100, Fit: domain.FitCover, StorageKey: "acme-proj-1/images/thumb/file-1.jpg"},
		{Name: "medium", Format: "jpeg", Width: 400, Height: 200, Fit: domain.FitContain, StorageKey: "acme-proj-1/images/medium/file-1.jpg"},
	}
}

func TestProcessAllVariantsSucceed(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	hook := &captureWebhook{}
	srv := testServer(t, s, objects, fakeTranscoder{}, hook)

	job := seedUpload(t, s, objects, twoTasks())
	srv.process(context.Background(), job)

	got, _, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s (error=%q)", got.Status, got.Error)
	}

	file, _, _ := s.GetFile(context.Background(), "file-1")
	if file.Status != domain.FileStatusReady {
		t.Fatalf("expected ready file, got %s", file.Status)
	}
	if len(file.Variants) != 2 {
		t.Fatalf("expected 2 variant keys, got %v", file.Variants)
	}
	for _, key := range file.Variants {
		if !objects.has(key) {
			t.Fatalf("variant key %s has no uploaded object", key)
		}
	}
	if len(hook.events) != 1 || hook.events[0] != "job.completed" {
		t.Fatalf("expected job.completed webhook, got %v", hook.events)
	}
}

func TestProcessPartialFailureKeepsCompletedSiblings(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	hook := &captureWebhook{}
	srv := testServer(t, s, objects, fakeTranscoder{failFor: map[string]bool{"medium": true}}, hook)

	job := seedUpload(t, s, objects, twoTasks())
	srv.process(context.Background(), job)

	got, _, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "variant medium") {
		t.Fatalf("expected failure attributed to medium, got %q", got.Error)
	}

	file, _, _ := s.GetFile(context.Background(), "file-1")
	if file.Status != domain.FileStatusPartial {
		t.Fatalf("expected partial file, got %s", file.Status)
	}
	if _, ok := file.Variants["thumb"]; !ok {
		t.Fatalf("expected thumb key preserved, got %v", file.Variants)
	}
	if _, ok := file.Variants["medium"]; ok {
		t.Fatalf("expected no medium key, got %v", file.Variants)
	}
	if !objects.has("acme-proj-1/images/thumb/file-1.jpg") {
		t.Fatal("expected thumb object uploaded")
	}
	if objects.has("acme-proj-1/images/medium/file-1.jpg") {
		t.Fatal("expected no medium object")
	}
	if len(hook.events) != 1 || hook.events[0] != "job.failed" {
		t.Fatalf("expected job.failed webhook, got %v", hook.events)
	}
}

func TestReenqueueFailedVariantLeavesSiblingAlone(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	srv := testServer(t, s, objects, fakeTranscoder{failFor: map[string]bool{"medium": true}}, nil)

	job := seedUpload(t, s, objects, twoTasks())
	srv.process(context.Background(), job)
	thumbBytes := objects.blobs["acme-proj-1/images/thumb/file-1.jpg"]

	// Resubmit only the failed variant, this time with a working transcoder.
	retrySrv := testServer(t, s, objects, fakeTranscoder{}, nil)
	if _, err := s.Enqueue(context.Background(), "file-1", domain.JobPayload{Variants: twoTasks()[1:]}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	claimed, err := s.ClaimBatch(context.Background(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim retry: %v (%d jobs)", err, len(claimed))
	}
	retrySrv.process(context.Background(), claimed[0])

	file, _, _ := s.GetFile(context.Background(), "file-1")
	if file.Status != domain.FileStatusReady {
		t.Fatalf("expected ready after retry, got %s", file.Status)
	}
	if file.Variants["thumb"] == "" || file.Variants["medium"] == "" {
		t.Fatalf("expected both variant keys after retry, got %v", file.Variants)
	}
	if string(objects.blobs["acme-proj-1/images/thumb/file-1.jpg"]) != string(thumbBytes) {
		t.Fatal("retry disturbed the already-uploaded sibling object")
	}
}

func TestProcessUploadErrorFailsVariant(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	objects.putErrs["acme-proj-1/images/thumb/file-1.jpg"] = fmt.Errorf("connection reset")
	srv := testServer(t, s, objects, fakeTranscoder{}, nil)

	job := seedUpload(t, s, objects, twoTasks())
	srv.process(context.Background(), job)

	got, _, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "variant thumb") || !strings.Contains(got.Error, "connection reset") {
		t.Fatalf("expected upload failure attribution, got %q", got.Error)
	}

	file, _, _ := s.GetFile(context.Background(), "file-1")
	if file.Status != domain.FileStatusPartial {
		t.Fatalf("expected partial file, got %s", file.Status)
	}
}

func TestProcessLostClaimSkipsStatusOverwrite(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	srv := testServer(t, s, objects, fakeTranscoder{}, nil)

	job := seedUpload(t, s, objects, twoTasks())
	// Another worker finished this job after a stale reset; our claim is dead.
	if err := s.Complete(context.Background(), job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	srv.process(context.Background(), job)

	got, _, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed status untouched, got %s", got.Status)
	}
	if got.Error != "" {
		t.Fatalf("expected no error on job, got %q", got.Error)
	}
}

func TestProcessLostClaimCannotDowngradeReadyFile(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	srv := testServer(t, s, objects, fakeTranscoder{failFor: map[string]bool{"thumb": true, "medium": true}}, nil)

	job := seedUpload(t, s, objects, twoTasks())

	// A stale reset handed the job to another worker, which generated every
	// variant and finished. The file is ready and the job completed.
	if err := s.MergeVariants(context.Background(), "file-1", map[string]string{
		"thumb":  "acme-proj-1/images/thumb/file-1.jpg",
		"medium": "acme-proj-1/images/medium/file-1.jpg",
	}, domain.FileStatusReady); err != nil {
		t.Fatalf("merge variants: %v", err)
	}
	if err := s.Complete(context.Background(), job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The original claimant limps in afterwards and fails every variant.
	srv.process(context.Background(), job)

	file, _, _ := s.GetFile(context.Background(), "file-1")
	if file.Status != domain.FileStatusReady {
		t.Fatalf("late failure downgraded the file to %s", file.Status)
	}
	if len(file.Variants) != 2 {
		t.Fatalf("expected both variant keys intact, got %v", file.Variants)
	}

	got, _, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted || got.Error != "" {
		t.Fatalf("expected completed job untouched, got %s (error=%q)", got.Status, got.Error)
	}
}

func TestProcessEmptyPayloadFails(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	srv := testServer(t, s, objects, fakeTranscoder{}, nil)

	job := seedUpload(t, s, objects, nil)
	srv.process(context.Background(), job)

	got, _, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "no variant tasks") {
		t.Fatalf("unexpected error: %q", got.Error)
	}
}

func TestPollOnceRespectsCapacity(t *testing.T) {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	srv := testServer(t, s, objects, fakeTranscoder{}, nil)

	file := domain.File{ID: "file-1", ProjectID: "proj-1", StorageKey: "orig", Status: domain.FileStatusUploaded}
	if err := s.CreateFile(context.Background(), file); err != nil {
		t.Fatalf("create file: %v", err)
	}
	objects.blobs["orig"] = []byte("original")

	tasks := []domain.VariantTask{{Name: "thumb", Format: "jpeg", Width: 10, Height: 10, Fit: domain.FitCover, StorageKey: "k/thumb"}}
	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(context.Background(), "file-1", domain.JobPayload{Variants: tasks}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Gate capacity is 2, so the first poll takes two jobs and leaves one.
	srv.pollOnce(context.Background())
	srv.wg.Wait()

	remaining, err := s.ListJobs(context.Background(), "proj-1", domain.JobStatusPending, 10, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 pending job after first poll, got %d", len(remaining))
	}

	srv.pollOnce(context.Background())
	srv.wg.Wait()

	remaining, err = s.ListJobs(context.Background(), "proj-1", domain.JobStatusPending, 10, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no pending jobs, got %d", len(remaining))
	}
}
