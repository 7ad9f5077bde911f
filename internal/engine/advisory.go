package engine

// Verdict is the typed result of the optional external classifier. How the
// verdict is obtained (provider, transport, credentials) is the advisory
// client's business; the engine only consumes this contract.
type Verdict struct {
	Important  bool
	Reason     string
	Confidence float64 // 0..1
}

// advisoryConfidenceFloor is the minimum confidence a verdict needs before it
// may override the heuristic score.
const advisoryConfidenceFloor = 0.7

// Advisory override bounds: a confident "important" lifts the score into the
// CRITICAL floor, a confident "not important" pushes it under the NORMAL
// ceiling. The shift can move a score across category boundaries; that is the
// intended behavior.
const (
	advisoryShift   = 15
	advisoryFloor   = 70
	advisoryCeiling = 30
)

// ReconcileAdvisory applies a verdict to the heuristic score as a bounded
// override. It returns the reconciled score and whether the verdict was
// applied. Low-confidence verdicts never change the score; callers treat a
// failed advisory call as no verdict at all (fail-open).
func ReconcileAdvisory(score int, v Verdict) (int, bool) {
	if v.Confidence <= advisoryConfidenceFloor {
		return score, false
	}

	if v.Important {
		score = max(score+advisoryShift, advisoryFloor)
	} else {
		score = min(score-advisoryShift, advisoryCeiling)
	}
	return clamp(score, 0, 100), true
}
