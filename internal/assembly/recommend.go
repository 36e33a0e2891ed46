package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"sakuga/internal/logging"
	"sakuga/internal/services"
	"sakuga/internal/store"
)

// Assignment pairs a shot with the image chosen for it.
type Assignment struct {
	ShotID    int64   `json:"shot_id"`
	ShotType  string  `json:"shot_type"`
	Character string  `json:"character"`
	ImagePath string  `json:"image_path"`
	Score     float64 `json:"score"`
}

// Scoring weights for the image recommender. Pose fit dominates so a
// close-up shot prefers portrait crops over a marginally higher quality
// landscape still.
const (
	poseWeight      = 0.45
	qualityWeight   = 0.40
	diversityWeight = 0.15
)

// AssignShotSources picks the best approved image for every unsourced
// shot under a project and writes the whole assignment set in one
// transaction. No two shots of the same shot type receive the same image
// while an unused candidate remains.
func (a *Assembler) AssignShotSources(ctx context.Context, projectID int64) ([]Assignment, error) {
	shots, err := a.store.ShotsNeedingSource(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(shots) == 0 {
		return nil, nil
	}

	pools := make(map[string][]*store.Generation)
	usedByType := make(map[string]map[string]bool)
	usageCount := make(map[string]int)

	var (
		assignments []Assignment
		writes      = make(map[int64]string)
	)
	for _, shot := range shots {
		slug := primaryCharacter(shot)
		if slug == "" {
			continue
		}
		pool, ok := pools[slug]
		if !ok {
			pool, err = a.store.ApprovedSoloVerified(ctx, slug)
			if err != nil {
				return nil, err
			}
			pools[slug] = pool
		}
		if len(pool) == 0 {
			a.logger.Warn("no approved images for shot",
				logging.Int64("shot_id", shot.ID),
				logging.String(logging.FieldCharacter, slug))
			continue
		}

		best := pickBest(shot, pool, usedByType[shot.ShotType], usageCount)
		if best == nil {
			continue
		}
		if usedByType[shot.ShotType] == nil {
			usedByType[shot.ShotType] = make(map[string]bool)
		}
		usedByType[shot.ShotType][best.gen.OutputPath] = true
		usageCount[best.gen.OutputPath]++

		writes[shot.ID] = best.gen.OutputPath
		assignments = append(assignments, Assignment{
			ShotID:    shot.ID,
			ShotType:  shot.ShotType,
			Character: slug,
			ImagePath: best.gen.OutputPath,
			Score:     best.score,
		})
	}

	if len(writes) == 0 {
		return nil, services.Wrap(services.ErrIntegrity, "assembly", "assign shot sources",
			"no shot could be matched to an approved image", nil)
	}
	if err := a.store.AssignShotSources(ctx, writes); err != nil {
		return nil, err
	}

	input, _ := json.Marshal(assignments)
	_, auditErr := a.store.RecordDecision(ctx, &store.AuditDecision{
		DecisionType: "shot_source_assignment",
		InputContext: string(input),
		DecisionMade: fmt.Sprintf("assigned %d shots", len(writes)),
		Confidence:   1,
		Reasoning:    "pose, quality and diversity scoring over approved solo images",
		Outcome:      store.AuditOutcomeOK,
	})
	if auditErr != nil {
		a.logger.Error("audit shot assignment", logging.Error(auditErr))
	}
	return assignments, nil
}

type scoredCandidate struct {
	gen   *store.Generation
	score float64
}

// pickBest scores every candidate and returns the winner. Images already
// used for the same shot type are excluded while an unused candidate
// exists; otherwise reuse is allowed so a thin pool still sources every
// shot.
func pickBest(shot *store.Shot, pool []*store.Generation, usedSameType map[string]bool, usage map[string]int) *scoredCandidate {
	scored := make([]scoredCandidate, 0, len(pool))
	for _, gen := range pool {
		if gen.OutputPath == "" {
			continue
		}
		scored = append(scored, scoredCandidate{gen: gen, score: scoreImage(shot, gen, usage)})
	}
	if len(scored) == 0 {
		return nil
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].gen.ID < scored[j].gen.ID
	})
	for i := range scored {
		if !usedSameType[scored[i].gen.OutputPath] {
			return &scored[i]
		}
	}
	return &scored[0]
}

func scoreImage(shot *store.Shot, gen *store.Generation, usage map[string]int) float64 {
	quality := 0.0
	if gen.QualityScore != nil {
		quality = *gen.QualityScore
	}
	diversity := 1.0 / float64(1+usage[gen.OutputPath])
	return poseWeight*poseFit(shot.ShotType, gen) + qualityWeight*quality + diversityWeight*diversity
}

// poseFit estimates how well an image's framing suits a shot type from
// its aspect ratio: close framings want portrait crops, wide framings
// want landscape, everything else is neutral.
func poseFit(shotType string, gen *store.Generation) float64 {
	if gen.Width <= 0 || gen.Height <= 0 {
		return 0.5
	}
	portrait := gen.Height > gen.Width
	switch normalizeShotType(shotType) {
	case "close_up", "portrait", "medium_close":
		if portrait {
			return 1.0
		}
		return 0.3
	case "wide", "establishing", "full_body", "landscape":
		if !portrait {
			return 1.0
		}
		return 0.3
	default:
		return 0.5
	}
}

func normalizeShotType(shotType string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(shotType, "-", "_")))
}

func primaryCharacter(shot *store.Shot) string {
	for _, slug := range shot.CharactersPresent {
		if trimmed := strings.TrimSpace(slug); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
