// Package reconcile implements the cognitive-triangulation confidence
// scoring pass: fusing an ordered array of Evidence records about one
// CandidateRelationship into a single final score and conflict flag.
package reconcile

import (
	"log/slog"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// Thresholds are the score cutoffs that map a Result onto a
// domain.RelationshipStatus. Defaults are 0.65/0.35 (spec §4.7); both are
// configurable, never hard-coded into the scoring pass itself.
type Thresholds struct {
	Validate float64
	Discard  float64
}

// DefaultThresholds returns the spec's default validate/discard cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Validate: 0.65, Discard: 0.35}
}

// Result is the outcome of fusing one relationship's evidence array.
type Result struct {
	FinalScore  float64
	HasConflict bool
	Agreements  int
	Disagreements int
}

// agreementBoost and disagreementPenalty implement the asymmetric update
// rule: a single strong disagreement halves an otherwise-confident score,
// while agreement converges sublinearly toward 1. This intentionally
// penalizes overconfident single-source extraction.
const (
	agreementBoostFactor    = 0.2
	disagreementPenaltyMult = 0.5
)

// Score fuses an ordered evidence slice into a single Result, exactly per
// spec §4.7/§8. It is the sole implementation of confidence scoring — the
// source's duplicate imperative-loop variant is not carried forward, only
// this validating version which defaults and warns on malformed evidence
// instead of panicking or skipping silently.
func Score(evidence []domain.Evidence) Result {
	if len(evidence) == 0 {
		return Result{}
	}

	first := evidence[0]
	if isMalformed(first) {
		slog.Warn("reconcile: first evidence record malformed, defaulting to zero score",
			slog.String("relationship_id", first.RelationshipID))
		return Result{}
	}

	score := clamp01(first.InitialScore)
	agreements, disagreements := 0, 0
	if first.FoundRelationship {
		agreements = 1
	} else {
		disagreements = 1
	}

	for i := 1; i < len(evidence); i++ {
		e := evidence[i]
		if isMalformed(e) {
			slog.Warn("reconcile: skipping malformed evidence record",
				slog.String("relationship_id", e.RelationshipID), slog.Int("index", i))
			continue
		}
		if e.FoundRelationship {
			score = score + (1-score)*agreementBoostFactor
			agreements++
		} else {
			score = score * disagreementPenaltyMult
			disagreements++
		}
	}

	score = clamp01(score)
	return Result{
		FinalScore:    score,
		HasConflict:   agreements > 0 && disagreements > 0,
		Agreements:    agreements,
		Disagreements: disagreements,
	}
}

// isMalformed mirrors the "missing initialScore or foundRelationship" check
// from spec §4.7. Evidence rows read back from the relational store carry the
// Malformed flag stored in their malformed column (the reader copies it and
// does not compute it); a caller building Evidence in-process (e.g. the
// worker path) leaves Malformed false.
func isMalformed(e domain.Evidence) bool {
	return e.Malformed
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Status maps a Result onto the relationship status state machine
// (pending -> validated|discarded|conflicted). Conflicts remain visible but
// are not fed to graph finalization.
func Status(r Result, t Thresholds) domain.RelationshipStatus {
	switch {
	case r.FinalScore >= t.Validate && !r.HasConflict:
		return domain.RelationshipValidated
	case r.FinalScore <= t.Discard:
		return domain.RelationshipDiscarded
	default:
		return domain.RelationshipConflicted
	}
}
