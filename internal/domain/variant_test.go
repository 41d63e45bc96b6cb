package domain

import (
	"strings"
	"testing"
)

func TestParseSettingsSortsAndValidates(t *testing.T) {
	settings := ProjectSettings{
		Variants: map[string]VariantDef{
			"medium": {Width: 400, Fit: "contain"},
			"thumb":  {Width: 100, Height: 100, Fit: "cover", Format: "webp", Quality: 80},
		},
	}

	specs, err := ParseSettings(settings)
	if err != nil {
		t.Fatalf("parse settings: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Name != "medium" || specs[1].Name != "thumb" {
		t.Fatalf("expected name-sorted specs, got %s, %s", specs[0].Name, specs[1].Name)
	}
	if specs[1].Fit != FitCover || specs[1].Format != "webp" {
		t.Fatalf("unexpected thumb spec: %+v", specs[1])
	}
	if specs[0].Format != FormatOriginal {
		t.Fatalf("expected original format fallback, got %s", specs[0].Format)
	}
}

func TestParseSettingsEmpty(t *testing.T) {
	if _, err := ParseSettings(ProjectSettings{}); err != ErrNoVariants {
		t.Fatalf("expected ErrNoVariants, got %v", err)
	}
}

func TestParseVariantDefRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		variant string
		def     VariantDef
		wantErr string
	}{
		{"unknown format", "v", VariantDef{Format: "tiff", Width: 10, Height: 10}, "unsupported output format"},
		{"unknown fit", "v", VariantDef{Fit: "zoom", Width: 10, Height: 10}, "unsupported fit mode"},
		{"negative width", "v", VariantDef{Width: -5}, "dimensions must be positive"},
		{"quality range", "v", VariantDef{Width: 10, Height: 10, Quality: 101}, "quality"},
		{"cover one axis", "v", VariantDef{Fit: "cover", Width: 10}, "requires both width and height"},
		{"stretch no box", "v", VariantDef{Fit: "stretch"}, "requires a target box"},
		{"empty name", "  ", VariantDef{Width: 10}, "name is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseVariantDef(tc.variant, tc.def)
			if err == nil {
				t.Fatalf("expected error for %+v", tc.def)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseVariantDefFitAliases(t *testing.T) {
	aliases := map[string]string{
		"":            FitContain,
		"inside":      FitContain,
		"center-crop": FitCover,
		"fill":        FitStretch,
		"exact":       FitStretch,
	}
	for alias, want := range aliases {
		spec, err := ParseVariantDef("v", VariantDef{Fit: alias, Width: 10, Height: 10})
		if err != nil {
			t.Fatalf("fit alias %q: %v", alias, err)
		}
		if spec.Fit != want {
			t.Fatalf("fit alias %q: expected %s, got %s", alias, want, spec.Fit)
		}
	}
}
