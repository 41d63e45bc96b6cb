package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/mediamill/mediamill/internal/domain"
)

// stdTranscoder is the portable implementation. It decodes JPEG, PNG and WebP
// and encodes JPEG and PNG; WebP and AVIF output need the govips build.
type stdTranscoder struct{}

func (t stdTranscoder) Transcode(ctx context.Context, src []byte, task domain.VariantTask) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	if err := validateTask(task); err != nil {
		return Output{}, err
	}

	img, srcFormat, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if srcFormat == "jpg" {
		srcFormat = "jpeg"
	}

	format, err := resolveOutputFormat(task.Format, srcFormat)
	if err != nil {
		return Output{}, err
	}

	resized := applyFit(img, task)
	data, err := encodeStd(resized, format, task.Quality)
	if err != nil {
		return Output{}, err
	}

	bounds := resized.Bounds()
	return Output{
		Data:   data,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func applyFit(src image.Image, task domain.VariantTask) image.Image {
	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()

	switch task.Fit {
	case domain.FitStretch:
		return scaleTo(src, srcBounds, task.Width, task.Height)
	case domain.FitCover:
		return coverCrop(src, task.Width, task.Height)
	default:
		w, h := containDimensions(srcW, srcH, task.Width, task.Height)
		if w == srcW && h == srcH {
			return src
		}
		return scaleTo(src, srcBounds, w, h)
	}
}

// containDimensions scales the source box down (or up) to fit inside the
// target box preserving aspect ratio; one axis may come out smaller.
func containDimensions(srcW, srcH, boxW, boxH int) (int, int) {
	scale := math.Min(float64(boxW)/float64(srcW), float64(boxH)/float64(srcH))
	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// coverCrop fills the target box exactly, cropping the overflow axis from the
// center of the source.
func coverCrop(src image.Image, boxW, boxH int) image.Image {
	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()

	scale := math.Max(float64(boxW)/float64(srcW), float64(boxH)/float64(srcH))
	cropW := int(math.Round(float64(boxW) / scale))
	cropH := int(math.Round(float64(boxH) / scale))
	if cropW > srcW {
		cropW = srcW
	}
	if cropH > srcH {
		cropH = srcH
	}

	cropX := srcBounds.Min.X + (srcW-cropW)/2
	cropY := srcBounds.Min.Y + (srcH-cropH)/2
	cropRect := image.Rect(cropX, cropY, cropX+cropW, cropY+cropH)

	return scaleTo(src, cropRect, boxW, boxH)
}

func scaleTo(src image.Image, srcRect image.Rectangle, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, srcRect, xdraw.Src, nil)
	return dst
}

func encodeStd(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "webp", "avif":
		return nil, fmt.Errorf("%w: %s export requires the govips build", ErrUnsupportedFormat, format)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return buf.Bytes(), nil
}
