// Copyright 2025 James Ross
package pipeline

import "testing"

func TestResultKeyIsUnderscoreForm(t *testing.T) {
	got := ResultKey("job-1", StageProductManager)
	want := "job-1/product_manager-result.json"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestLegacyResultKeyOnlyForProductManager(t *testing.T) {
	key, ok := LegacyResultKey("job-1", StageProductManager)
	if !ok {
		t.Fatalf("expected a legacy key for product_manager")
	}
	if key != "job-1/product-manager-result.json" {
		t.Fatalf("unexpected legacy key: %q", key)
	}

	for _, st := range []Stage{StageResearch, StageDrawer, StageDesigner, StageCoder} {
		if _, ok := LegacyResultKey("job-1", st); ok {
			t.Fatalf("expected no legacy key for stage %v", st)
		}
	}
}

func TestInputKeyFormat(t *testing.T) {
	got := InputKey("job-1", StageResearch)
	want := "job-1/research.json"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
