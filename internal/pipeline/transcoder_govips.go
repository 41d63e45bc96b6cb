//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/mediamill/mediamill/internal/domain"
)

type govipsTranscoder struct{}

func (t govipsTranscoder) Transcode(ctx context.Context, src []byte, task domain.VariantTask) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	if err := validateTask(task); err != nil {
		return Output{}, err
	}

	img, err := vips.NewImageFromBuffer(src)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	format, err := resolveOutputFormat(task.Format, govipsSourceFormat(src))
	if err != nil {
		return Output{}, err
	}

	if err := applyGovipsFit(img, task); err != nil {
		return Output{}, err
	}

	data, err := exportGovips(img, format, task.Quality)
	if err != nil {
		return Output{}, err
	}

	return Output{
		Data:   data,
		Format: format,
		Width:  img.Width(),
		Height: img.Height(),
	}, nil
}

func applyGovipsFit(img *vips.ImageRef, task domain.VariantTask) error {
	srcW, srcH := img.Width(), img.Height()
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("variant %q: source image has invalid dimensions", task.Name)
	}

	switch task.Fit {
	case domain.FitStretch:
		hscale := float64(task.Width) / float64(srcW)
		vscale := float64(task.Height) / float64(srcH)
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
			return fmt.Errorf("variant %q: stretch resize: %w", task.Name, err)
		}
	case domain.FitCover:
		scale := math.Max(float64(task.Width)/float64(srcW), float64(task.Height)/float64(srcH))
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return fmt.Errorf("variant %q: cover resize: %w", task.Name, err)
		}
		left := (img.Width() - task.Width) / 2
		top := (img.Height() - task.Height) / 2
		if left < 0 {
			left = 0
		}
		if top < 0 {
			top = 0
		}
		if err := img.ExtractArea(left, top, task.Width, task.Height); err != nil {
			return fmt.Errorf("variant %q: center crop: %w", task.Name, err)
		}
	default:
		scale := math.Min(float64(task.Width)/float64(srcW), float64(task.Height)/float64(srcH))
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return fmt.Errorf("variant %q: contain resize: %w", task.Name, err)
		}
	}
	return nil
}

func govipsSourceFormat(src []byte) string {
	switch vips.DetermineImageType(src) {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeAVIF:
		return "avif"
	default:
		return "unknown"
	}
}

func exportGovips(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "png":
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case "avif":
		params := vips.NewAvifExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportAvif(params)
		if err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
