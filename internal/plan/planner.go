// Package plan maps a project's validated variant specs plus an uploaded
// image's metadata to the concrete transcode tasks a worker will run. It is
// pure: no storage, database or clock access.
package plan

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mediamill/mediamill/internal/domain"
)

// Source describes the uploaded original an upload handler has already
// inspected. Ext is the source extension without the dot ("jpg", "png", ...).
type Source struct {
	FileID string
	Ext    string
	Width  int
	Height int
}

// Plan resolves every variant spec against the source dimensions and derives
// its storage key. The returned tasks are self-contained: a worker needs no
// access to project settings to execute them.
func Plan(project domain.Project, src Source, specs []domain.VariantSpec) ([]domain.VariantTask, error) {
	if strings.TrimSpace(src.FileID) == "" {
		return nil, errors.New("source file id is required")
	}
	if src.Width <= 0 || src.Height <= 0 {
		return nil, fmt.Errorf("source dimensions must be positive, got %dx%d", src.Width, src.Height)
	}
	if len(specs) == 0 {
		return nil, errors.New("no variant specs to plan")
	}

	ns := Namespace(project)
	tasks := make([]domain.VariantTask, 0, len(specs))
	for _, spec := range specs {
		width, height := resolveDimensions(spec, src.Width, src.Height)
		ext := extensionForFormat(spec.Format, src.Ext)

		tasks = append(tasks, domain.VariantTask{
			Name:       spec.Name,
			Format:     spec.Format,
			Width:      width,
			Height:     height,
			Fit:        spec.Fit,
			Quality:    spec.Quality,
			StorageKey: variantKey(ns, spec.Name, src.FileID, ext),
		})
	}
	return tasks, nil
}

// Namespace is the stable per-project key prefix all of a project's objects
// live under.
func Namespace(project domain.Project) string {
	return fmt.Sprintf("%s-%s", sanitizeName(project.Name), project.ID)
}

// OriginalKey is where an upload's source bytes are stored. The file id is
// freshly generated per upload and shared with every variant key so the whole
// group is discoverable; the user-supplied filename never reaches a key.
func OriginalKey(project domain.Project, fileID, ext string) string {
	return fmt.Sprintf("%s/images/original/%s.%s", Namespace(project), sanitizeName(fileID), normalizeExt(ext))
}

func variantKey(namespace, variant, fileID, ext string) string {
	return fmt.Sprintf("%s/images/%s/%s.%s", namespace, sanitizeName(variant), sanitizeName(fileID), normalizeExt(ext))
}

// resolveDimensions fills in an omitted axis from the source aspect ratio.
// When both axes are given the fit mode decides at transcode time; when both
// are omitted the variant is a pure format conversion at source size.
func resolveDimensions(spec domain.VariantSpec, srcW, srcH int) (int, int) {
	switch {
	case spec.Width > 0 && spec.Height > 0:
		return spec.Width, spec.Height
	case spec.Width > 0:
		return spec.Width, atLeastOne(int(math.Round(float64(spec.Width) * float64(srcH) / float64(srcW))))
	case spec.Height > 0:
		return atLeastOne(int(math.Round(float64(spec.Height) * float64(srcW) / float64(srcH)))), spec.Height
	default:
		return srcW, srcH
	}
}

func extensionForFormat(format, srcExt string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "png", "webp", "avif":
		return format
	default:
		return normalizeExt(srcExt)
	}
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ext, ".")))
	if ext == "" {
		return "bin"
	}
	return sanitizeName(ext)
}

func sanitizeName(in string) string {
	in = strings.ToLower(strings.TrimSpace(in))
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
