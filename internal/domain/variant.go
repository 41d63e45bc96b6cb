package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	FitContain = "contain"
	FitCover   = "cover"
	FitStretch = "stretch"

	// FormatOriginal keeps the source encoding instead of converting.
	FormatOriginal = "original"
)

var ErrNoVariants = errors.New("project settings define no variants")

// VariantDef is the loosely-typed shape stored in a project's settings
// document. It is never consumed directly; ParseSettings validates it into a
// VariantSpec first so a bad settings edit fails fast instead of producing a
// half-broken file.
type VariantDef struct {
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Fit     string `json:"fit,omitempty"`
}

// VariantSpec is the strict internal form of one variant definition.
// Width/Height of zero mean "derive from the other axis"; Fit is one of the
// Fit* constants; Format is a canonical encoding name or FormatOriginal.
type VariantSpec struct {
	Name    string
	Format  string
	Quality int
	Width   int
	Height  int
	Fit     string
}

// ParseSettings validates every variant definition in a settings document and
// returns the specs sorted by name for deterministic planning order.
func ParseSettings(settings ProjectSettings) ([]VariantSpec, error) {
	if len(settings.Variants) == 0 {
		return nil, ErrNoVariants
	}

	names := make([]string, 0, len(settings.Variants))
	for name := range settings.Variants {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]VariantSpec, 0, len(names))
	for _, name := range names {
		spec, err := ParseVariantDef(name, settings.Variants[name])
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func ParseVariantDef(name string, def VariantDef) (VariantSpec, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return VariantSpec{}, errors.New("variant name is required")
	}

	format, err := normalizeFormat(def.Format)
	if err != nil {
		return VariantSpec{}, fmt.Errorf("variant %q: %w", name, err)
	}

	fit, err := normalizeFit(def.Fit)
	if err != nil {
		return VariantSpec{}, fmt.Errorf("variant %q: %w", name, err)
	}

	if def.Width < 0 || def.Height < 0 {
		return VariantSpec{}, fmt.Errorf("variant %q: dimensions must be positive, got %dx%d", name, def.Width, def.Height)
	}
	if def.Quality < 0 || def.Quality > 100 {
		return VariantSpec{}, fmt.Errorf("variant %q: quality must be within 1-100, got %d", name, def.Quality)
	}

	// A single-axis box only makes sense when the aspect ratio is preserved;
	// cover and stretch need the full target box.
	oneAxis := (def.Width == 0) != (def.Height == 0)
	if oneAxis && fit != FitContain {
		return VariantSpec{}, fmt.Errorf("variant %q: fit %q requires both width and height", name, fit)
	}
	if def.Width == 0 && def.Height == 0 && fit != FitContain {
		return VariantSpec{}, fmt.Errorf("variant %q: fit %q requires a target box", name, fit)
	}

	return VariantSpec{
		Name:    name,
		Format:  format,
		Quality: def.Quality,
		Width:   def.Width,
		Height:  def.Height,
		Fit:     fit,
	}, nil
}

func normalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatOriginal:
		return FormatOriginal, nil
	case "jpg", "jpeg":
		return "jpeg", nil
	case "png":
		return "png", nil
	case "webp":
		return "webp", nil
	case "avif":
		return "avif", nil
	default:
		return "", fmt.Errorf("unsupported output format: %q", format)
	}
}

func normalizeFit(fit string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(fit)) {
	case "", FitContain, "inside":
		return FitContain, nil
	case FitCover, "center-crop":
		return FitCover, nil
	case FitStretch, "fill", "exact":
		return FitStretch, nil
	default:
		return "", fmt.Errorf("unsupported fit mode: %q", fit)
	}
}
