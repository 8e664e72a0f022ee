package executor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// suffixChain returns a filename's full dotted suffix, from the first
// dot of its base name onward, e.g. "t1.nii.gz" -> ".nii.gz" ("" when
// the name has no dot). This lets staging
// preserve compound extensions like ".nii.gz" rather than truncating
// to the last dot.
func suffixChain(name string) string {
	base := filepath.Base(name)
	idx := strings.Index(base, ".")
	if idx < 0 {
		return ""
	}
	return base[idx:]
}

// StagePlan describes where a single uploaded input file should be
// placed relative to a job's _inputs directory.
type StagePlan struct {
	SourcePath string
	TargetName string
}

// PlanInputStaging maps each uploaded file to its expected-key target
// name, keeping the original suffix chain (spec.md 4.H.3). keys are
// taken in order (e.g. from a plugin's declared required+optional
// inputs); extra files beyond len(keys) keep their original basename.
func PlanInputStaging(keys []string, uploadedPaths []string) []StagePlan {
	plans := make([]StagePlan, 0, len(uploadedPaths))
	for i, path := range uploadedPaths {
		var target string
		if i < len(keys) {
			target = keys[i] + suffixChain(path)
		} else {
			target = filepath.Base(path)
		}
		plans = append(plans, StagePlan{SourcePath: path, TargetName: target})
	}
	return plans
}

// StageInputs copies each planned file into inputsDir under its target
// name. A target that already exists is left untouched rather than
// overwritten, so re-running staging for the same job is idempotent.
func StageInputs(inputsDir string, plans []StagePlan) ([]string, error) {
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create inputs dir: %w", err)
	}
	staged := make([]string, 0, len(plans))
	for _, plan := range plans {
		dest := filepath.Join(inputsDir, plan.TargetName)
		staged = append(staged, dest)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := copyFile(plan.SourcePath, dest); err != nil {
			return nil, fmt.Errorf("executor: stage %s: %w", plan.SourcePath, err)
		}
	}
	return staged, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
