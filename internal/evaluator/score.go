package evaluator

import "github.com/deepresearch/orchestrator/internal/model"

// Dimension weights for the composite completion score. spec.md leaves
// weighting as an open question; equal weighting is the decision of
// record (see DESIGN.md).
const (
	weightFactualCoverage    = 0.2
	weightSourceDiversity    = 0.2
	weightTemporalCoverage   = 0.2
	weightPerspectiveBalance = 0.2
	weightDepth              = 0.2
)

// compositeScore computes the overall completion score as the
// fixed-weight average of the five dimension sub-scores, rather than
// trusting the model's own self-reported overall score, so the
// threshold the orchestrator checks convergence against is always
// consistent with the dimensions the model actually committed to.
func compositeScore(d model.DimensionScores) float64 {
	return weightFactualCoverage*d.FactualCoverage +
		weightSourceDiversity*d.SourceDiversity +
		weightTemporalCoverage*d.TemporalCoverage +
		weightPerspectiveBalance*d.PerspectiveBalance +
		weightDepth*d.Depth
}
