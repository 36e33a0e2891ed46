package orchestrator

import "sakuga/internal/store"

// Character phases, in order.
const (
	PhaseTrainingData = "training_data"
	PhaseLoraTraining = "lora_training"
	PhaseReady        = "ready"
)

// Project phases, in order.
const (
	PhaseScenePlanning   = "scene_planning"
	PhaseShotPreparation = "shot_preparation"
	PhaseVideoGeneration = "video_generation"
	PhaseSceneAssembly   = "scene_assembly"
	PhaseEpisodeAssembly = "episode_assembly"
	PhasePublishing      = "publishing"
)

var characterPhases = []string{PhaseTrainingData, PhaseLoraTraining, PhaseReady}

var projectPhases = []string{
	PhaseScenePlanning,
	PhaseShotPreparation,
	PhaseVideoGeneration,
	PhaseSceneAssembly,
	PhaseEpisodeAssembly,
	PhasePublishing,
}

// PhaseSequence returns the canonical ordered phases for an entity type.
func PhaseSequence(entityType store.EntityType) []string {
	if entityType == store.EntityCharacter {
		return characterPhases
	}
	return projectPhases
}

// NextPhase returns the phase after current in the entity's sequence, or
// empty when current is terminal or unknown.
func NextPhase(entityType store.EntityType, current string) string {
	sequence := PhaseSequence(entityType)
	for i, phase := range sequence {
		if phase == current && i+1 < len(sequence) {
			return sequence[i+1]
		}
	}
	return ""
}

// ValidPhase reports whether phase belongs to the entity's sequence.
func ValidPhase(entityType store.EntityType, phase string) bool {
	for _, candidate := range PhaseSequence(entityType) {
		if candidate == phase {
			return true
		}
	}
	return false
}
