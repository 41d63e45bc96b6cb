package plan

import (
	"strings"
	"testing"

	"github.com/mediamill/mediamill/internal/domain"
)

func testProject() domain.Project {
	return domain.Project{ID: "proj-1", Name: "Acme Photos"}
}

func TestPlanScenarioThumbAndMedium(t *testing.T) {
	specs, err := domain.ParseSettings(domain.ProjectSettings{
		Variants: map[string]domain.VariantDef{
			"thumb":  {Width: 100, Height: 100, Fit: "cover"},
			"medium": {Width: 400, Fit: "contain"},
		},
	})
	if err != nil {
		t.Fatalf("parse settings: %v", err)
	}

	tasks, err := Plan(testProject(), Source{FileID: "file-1", Ext: "jpg", Width: 1000, Height: 500}, specs)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	byName := map[string]domain.VariantTask{}
	for _, task := range tasks {
		byName[task.Name] = task
	}

	thumb := byName["thumb"]
	if thumb.Width != 100 || thumb.Height != 100 || thumb.Fit != domain.FitCover {
		t.Fatalf("unexpected thumb task: %+v", thumb)
	}
	medium := byName["medium"]
	if medium.Width != 400 || medium.Height != 200 {
		t.Fatalf("expected medium 400x200, got %dx%d", medium.Width, medium.Height)
	}
}

func TestPlanDerivesOmittedAxis(t *testing.T) {
	cases := []struct {
		name         string
		spec         domain.VariantSpec
		srcW, srcH   int
		wantW, wantH int
	}{
		{"width only", domain.VariantSpec{Name: "w", Fit: domain.FitContain, Width: 300}, 1000, 500, 300, 150},
		{"height only", domain.VariantSpec{Name: "h", Fit: domain.FitContain, Height: 150}, 1000, 500, 300, 150},
		{"rounding", domain.VariantSpec{Name: "r", Fit: domain.FitContain, Width: 100}, 1000, 333, 100, 33},
		{"no box keeps source", domain.VariantSpec{Name: "n", Fit: domain.FitContain, Format: "webp"}, 640, 480, 640, 480},
		{"extreme ratio clamps to 1", domain.VariantSpec{Name: "x", Fit: domain.FitContain, Width: 1}, 10000, 10, 1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks, err := Plan(testProject(), Source{FileID: "f", Ext: "png", Width: tc.srcW, Height: tc.srcH}, []domain.VariantSpec{tc.spec})
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if tasks[0].Width != tc.wantW || tasks[0].Height != tc.wantH {
				t.Fatalf("expected %dx%d, got %dx%d", tc.wantW, tc.wantH, tasks[0].Width, tasks[0].Height)
			}
		})
	}
}

func TestPlanKeysDeterministicPerUpload(t *testing.T) {
	specs := []domain.VariantSpec{
		{Name: "thumb", Format: "webp", Fit: domain.FitCover, Width: 100, Height: 100},
	}
	src := Source{FileID: "abc123", Ext: "jpg", Width: 800, Height: 600}

	first, err := Plan(testProject(), src, specs)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	second, err := Plan(testProject(), src, specs)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if first[0].StorageKey != second[0].StorageKey {
		t.Fatalf("identical inputs produced different keys: %s vs %s", first[0].StorageKey, second[0].StorageKey)
	}

	otherUpload, err := Plan(testProject(), Source{FileID: "def456", Ext: "jpg", Width: 800, Height: 600}, specs)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if otherUpload[0].StorageKey == first[0].StorageKey {
		t.Fatalf("different uploads share a key: %s", first[0].StorageKey)
	}
}

func TestPlanKeyShapeNeverUsesFilename(t *testing.T) {
	tasks, err := Plan(testProject(), Source{FileID: "file-9", Ext: "JPG", Width: 10, Height: 10}, []domain.VariantSpec{
		{Name: "thumb", Format: domain.FormatOriginal, Fit: domain.FitContain, Width: 5},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	want := "acme-photos-proj-1/images/thumb/file-9.jpg"
	if tasks[0].StorageKey != want {
		t.Fatalf("expected key %s, got %s", want, tasks[0].StorageKey)
	}

	original := OriginalKey(testProject(), "file-9", "JPG")
	if original != "acme-photos-proj-1/images/original/file-9.jpg" {
		t.Fatalf("unexpected original key: %s", original)
	}
	if !strings.HasPrefix(tasks[0].StorageKey, Namespace(testProject())+"/") {
		t.Fatalf("variant key outside project namespace: %s", tasks[0].StorageKey)
	}
}

func TestPlanRejectsBadSource(t *testing.T) {
	specs := []domain.VariantSpec{{Name: "v", Fit: domain.FitContain, Width: 10}}
	if _, err := Plan(testProject(), Source{FileID: "f", Width: 0, Height: 10}, specs); err == nil {
		t.Fatal("expected error for zero source width")
	}
	if _, err := Plan(testProject(), Source{Width: 10, Height: 10}, specs); err == nil {
		t.Fatal("expected error for missing file id")
	}
	if _, err := Plan(testProject(), Source{FileID: "f", Width: 10, Height: 10}, nil); err == nil {
		t.Fatal("expected error for empty spec list")
	}
}

func TestExtensionForJpegVariants(t *testing.T) {
	tasks, err := Plan(testProject(), Source{FileID: "f", Ext: "png", Width: 10, Height: 10}, []domain.VariantSpec{
		{Name: "v", Format: "jpeg", Fit: domain.FitContain, Width: 5},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.HasSuffix(tasks[0].StorageKey, "/f.jpg") {
		t.Fatalf("expected .jpg extension, got %s", tasks[0].StorageKey)
	}
}
