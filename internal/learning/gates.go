package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"sakuga/internal/events"
	"sakuga/internal/logging"
	"sakuga/internal/store"
	"sakuga/internal/vision"
)

// GateDecision is the outcome of evaluating quality gates for one scored
// generation.
type GateDecision struct {
	GenerationID int64              `json:"generation_id"`
	Status       store.ReviewStatus `json:"status"`
	QualityScore float64            `json:"quality_score"`
	Auto         bool               `json:"auto"`
	Reason       string             `json:"reason"`
}

// EvaluateQuality settles a pending generation against the quality gates:
// scores under the reject threshold are rejected, scores at or above the
// approve threshold with a solo, species-verified subject are approved,
// anything else goes to manual review. Events fire only after the record
// is settled so learning subscribers never observe an inconsistent status.
func (e *Engine) EvaluateQuality(ctx context.Context, generationID int64, review vision.Review) (GateDecision, error) {
	rejectThreshold := e.gateThreshold(ctx, "auto_reject", e.autoReject)
	approveThreshold := e.gateThreshold(ctx, "auto_approve", e.autoApprove)

	decision := GateDecision{
		GenerationID: generationID,
		QualityScore: review.QualityScore,
	}
	categories := review.RejectionCategories()

	switch {
	case review.QualityScore < rejectThreshold:
		decision.Status = store.ReviewRejected
		decision.Auto = true
		decision.Reason = fmt.Sprintf("quality %.2f under reject threshold %.2f", review.QualityScore, rejectThreshold)
		if len(categories) == 0 {
			categories = []store.RejectionCategory{store.RejectLowQuality}
		}
	case review.QualityScore >= approveThreshold && review.Solo && review.SpeciesVerified:
		decision.Status = store.ReviewApproved
		decision.Auto = true
		decision.Reason = fmt.Sprintf("quality %.2f over approve threshold %.2f, solo, species verified", review.QualityScore, approveThreshold)
	default:
		decision.Status = store.ReviewInReview
		decision.Reason = "requires manual review"
	}

	if decision.Status == store.ReviewInReview {
		return decision, nil
	}

	visionPayload, _ := json.Marshal(review)
	gen, err := e.store.SettleReview(ctx, generationID, store.ReviewVerdict{
		Status:          decision.Status,
		QualityScore:    review.QualityScore,
		CharacterMatch:  &review.CharacterMatch,
		Clarity:         &review.Clarity,
		TrainingValue:   &review.TrainingValue,
		Solo:            review.Solo,
		SpeciesVerified: review.SpeciesVerified,
		Categories:      categories,
		Feedback:        review.Feedback,
		NegativeTerms:   NegativeTermsFor(categories),
		Source:          "vision",
		Auto:            true,
		VisionPayload:   string(visionPayload),
	})
	if err != nil {
		return GateDecision{}, err
	}

	e.audit(ctx, gen, decision)

	payload := events.Payload{
		"generation_id":  gen.ID,
		"character_slug": gen.CharacterSlug,
		"project_name":   gen.ProjectName,
		"quality_score":  review.QualityScore,
	}
	switch decision.Status {
	case store.ReviewApproved:
		e.bus.Emit(events.ImageApproved, payload)
	case store.ReviewRejected:
		encoded := make([]string, 0, len(categories))
		for _, category := range categories {
			encoded = append(encoded, string(category))
		}
		payload["categories"] = encoded
		payload["correction_depth"] = gen.CorrectionDepth
		e.bus.Emit(events.ImageRejected, payload)
	}
	return decision, nil
}

// gateThreshold reads a runtime-mutable gate, falling back to the
// configured default when the row is missing or unreadable.
func (e *Engine) gateThreshold(ctx context.Context, name string, fallback float64) float64 {
	gate, err := e.store.QualityGateByName(ctx, name)
	if err != nil {
		e.logger.Error("read quality gate", logging.String("gate", name), logging.Error(err))
		return fallback
	}
	if gate == nil || !gate.Active {
		return fallback
	}
	return gate.Threshold
}

// audit writes the gate decision before anything reacts to it. Audit
// failures never block the decision path.
func (e *Engine) audit(ctx context.Context, gen *store.Generation, decision GateDecision) {
	input, _ := json.Marshal(decision)
	decisionType := "auto_approve"
	if decision.Status == store.ReviewRejected {
		decisionType = "auto_reject"
	}
	_, err := e.store.RecordDecision(ctx, &store.AuditDecision{
		DecisionType:  decisionType,
		CharacterSlug: gen.CharacterSlug,
		ProjectName:   gen.ProjectName,
		InputContext:  string(input),
		DecisionMade:  string(decision.Status),
		Confidence:    decision.QualityScore,
		Reasoning:     decision.Reason,
		Outcome:       store.AuditOutcomeOK,
	})
	if err != nil {
		e.logger.Error("audit gate decision", logging.Error(err))
	}
}
