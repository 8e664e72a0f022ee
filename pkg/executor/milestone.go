package executor

import (
	"regexp"
	"strings"

	"github.com/neuroinsight/orchestrator/pkg/types"
)

// MilestoneTracker advances through an ordered list of milestones as
// container log output is observed, matching each marker as a regular
// expression first and falling back to a plain substring search
// (spec.md 4.H.7). At most one milestone advances per call, and
// progress never moves backwards.
type MilestoneTracker struct {
	milestones []types.Milestone
	next       int
	progress   int
	label      string
}

// NewMilestoneTracker builds a tracker over an ordered milestone list.
func NewMilestoneTracker(milestones []types.Milestone) *MilestoneTracker {
	return &MilestoneTracker{milestones: milestones}
}

// Observe scans a chunk of newly produced log output and advances the
// tracker by at most one milestone. It returns the current progress
// percentage, current phase label, and whether this call advanced.
func (t *MilestoneTracker) Observe(logChunk string) (progress int, label string, advanced bool) {
	if t.next < len(t.milestones) {
		m := t.milestones[t.next]
		if matches(m.Marker, logChunk) {
			t.next++
			if m.Percentage > t.progress {
				t.progress = m.Percentage
			}
			t.label = m.Label
			return t.progress, t.label, true
		}
	}
	return t.progress, t.label, false
}

// Progress returns the current tracked percentage and phase label.
func (t *MilestoneTracker) Progress() (int, string) {
	return t.progress, t.label
}

func matches(marker, text string) bool {
	if marker == "" {
		return false
	}
	if re, err := regexp.Compile(marker); err == nil {
		if re.MatchString(text) {
			return true
		}
	}
	return strings.Contains(text, marker)
}
