// Package pipeline drives tasks through the build/test/fix/static/review/
// document/commit phase machine, applying the retry and abandonment policy
// and coordinating git, budget, and notification side effects.
package pipeline

import (
	"github.com/aristath/roadrunner/internal/state"
)

// Phase is one named step of a task's execution pipeline. The current
// phase is persisted verbatim in the run state so an interrupted run
// resumes exactly where it stopped.
type Phase string

const (
	PhaseBuild     Phase = "build"
	PhaseDeps      Phase = "deps"
	PhaseTest      Phase = "test"
	PhaseCoverage  Phase = "coverage"
	PhaseFix       Phase = "fix"
	PhaseStatic    Phase = "static"
	PhaseStaticFix Phase = "static_fix"
	PhaseReview    Phase = "review"
	PhaseDocument  Phase = "document"
	PhaseCommit    Phase = "commit"
	PhaseNotify    Phase = "notify"
	PhaseDeploy    Phase = "deploy"
)

// staticFixLimit bounds the static_fix loop; a linter that two fix rounds
// cannot satisfy needs a fresh attempt, not more of the same session.
const staticFixLimit = 2

// happyPath is the phase order for non-milestone tasks. Coverage and
// deploy are skipped when ungated; fix and static_fix are entered only
// from failures and so do not appear here.
var happyPath = []Phase{
	PhaseBuild,
	PhaseDeps,
	PhaseTest,
	PhaseCoverage,
	PhaseStatic,
	PhaseReview,
	PhaseDocument,
	PhaseCommit,
	PhaseNotify,
	PhaseDeploy,
}

// phaseIndex returns the position of a phase on the happy path. The fix
// phases map to the phase they re-attempt, so a run interrupted mid-fix
// resumes from the triggering phase.
func phaseIndex(p Phase) int {
	switch p {
	case PhaseFix:
		p = PhaseTest
	case PhaseStaticFix:
		p = PhaseStatic
	}
	for i, hp := range happyPath {
		if hp == p {
			return i
		}
	}
	return 0
}

// resumeIndex maps a persisted run-state record to the happy-path index
// the batch should resume from. Fresh dispatches start at build.
func resumeIndex(rec state.TaskRunState) int {
	if rec.Status != state.StatusInProgress || rec.Phase == "" {
		return 0
	}
	return phaseIndex(Phase(rec.Phase))
}
