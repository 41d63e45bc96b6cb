// Package pipeline holds the pure transcoding step of the variant pipeline:
// source bytes in, encoded variant bytes out. It knows nothing about jobs,
// storage keys or the database.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mediamill/mediamill/internal/domain"
)

var (
	ErrDecode            = errors.New("decode source image")
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// Output is one encoded variant plus the dimensions and canonical format the
// encoder actually produced.
type Output struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

type Transcoder interface {
	Transcode(ctx context.Context, src []byte, task domain.VariantTask) (Output, error)
}

// New returns the best transcoder the build supports: libvips when compiled
// with the govips tag, the portable stdlib implementation otherwise.
func New() (Transcoder, error) {
	return newTranscoder()
}

func validateTask(task domain.VariantTask) error {
	if task.Width <= 0 || task.Height <= 0 {
		return fmt.Errorf("variant %q: target dimensions must be positive, got %dx%d", task.Name, task.Width, task.Height)
	}
	switch task.Fit {
	case domain.FitContain, domain.FitCover, domain.FitStretch:
	default:
		return fmt.Errorf("variant %q: unknown fit mode %q", task.Name, task.Fit)
	}
	return nil
}

// ContentTypeForFormat maps a canonical format name to its MIME type.
func ContentTypeForFormat(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "avif":
		return "image/avif"
	default:
		return "application/octet-stream"
	}
}

// resolveOutputFormat turns a task format into a concrete encoding,
// substituting the decoded source format for "original".
func resolveOutputFormat(taskFormat, srcFormat string) (string, error) {
	format := taskFormat
	if format == "" || format == domain.FormatOriginal {
		format = srcFormat
	}
	switch format {
	case "jpeg", "png", "webp", "avif":
		return format, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
