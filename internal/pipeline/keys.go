// Copyright 2025 James Ross
package pipeline

import "fmt"

// InputKey returns the blob key for a stage's input artifact.
func InputKey(jobID string, stage Stage) string {
	return fmt.Sprintf("%s/%s.json", jobID, stage)
}

// ResultKey returns the canonical (underscore-form) blob key for a
// stage's output artifact, the form this orchestrator always writes.
func ResultKey(jobID string, stage Stage) string {
	return fmt.Sprintf("%s/%s-result.json", jobID, stage)
}

// LegacyResultKey returns the historical hyphenated form of a stage's
// result key, or ok=false if the stage never had a hyphenated variant.
// product_manager is the one stage whose result key was historically
// written with a hyphen instead of an underscore; readers accept both
// forms (see the Pipeline Controller's readResult) but writers always
// use ResultKey.
func LegacyResultKey(jobID string, stage Stage) (string, bool) {
	if stage != StageProductManager {
		return "", false
	}
	return fmt.Sprintf("%s/product-manager-result.json", jobID), true
}
