package orchestrator

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sakuga/internal/store"
)

// scenePlan is the structure the planner is asked to return.
type scenePlan struct {
	Scenes []sceneStub `json:"scenes"`
}

type sceneStub struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	SuggestedShots []shotStub `json:"suggested_shots"`
}

type shotStub struct {
	ShotType   string   `json:"shot_type"`
	Characters []string `json:"characters"`
	Prompt     string   `json:"prompt"`
}

func scenePlanPrompt(project *store.Project, characters []*store.Character, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %d scenes for an episodic %s anime titled %q.\n",
		count, project.Genre, project.Name)
	if project.Premise != "" {
		fmt.Fprintf(&b, "Premise: %s\n", project.Premise)
	}
	if len(characters) > 0 {
		b.WriteString("Characters:\n")
		for _, character := range characters {
			name := character.DisplayName
			if name == "" {
				name = character.Slug
			}
			fmt.Fprintf(&b, "- %s (%s)\n", name, character.Slug)
		}
	}
	b.WriteString(`Respond with JSON only, shaped as
{"scenes":[{"title":"...","description":"...",
"suggested_shots":[{"shot_type":"close_up|medium|wide|establishing",
"characters":["slug"],"prompt":"..."}]}]}.
Each scene needs 2-5 shots referencing the character slugs above.`)
	return b.String()
}

// parseScenePlan extracts the JSON plan from planner output that may be
// wrapped in prose or code fences.
func parseScenePlan(text string) (scenePlan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return scenePlan{}, fmt.Errorf("no JSON object in planner output")
	}
	var plan scenePlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return scenePlan{}, fmt.Errorf("decode scene plan: %w", err)
	}
	if len(plan.Scenes) == 0 {
		return scenePlan{}, fmt.Errorf("scene plan is empty")
	}
	for i, scene := range plan.Scenes {
		if strings.TrimSpace(scene.Title) == "" {
			return scenePlan{}, fmt.Errorf("scene %d has no title", i+1)
		}
		if len(scene.SuggestedShots) == 0 {
			return scenePlan{}, fmt.Errorf("scene %q has no shots", scene.Title)
		}
	}
	return plan, nil
}

// enqueueTraining drops a request marker the external trainer watches.
// Returns false when a marker (or finished model) already exists.
func (w *PhaseWorkers) enqueueTraining(character *store.Character, images []*store.Generation) (bool, error) {
	queueDir := filepath.Join(w.loraDir, "queue")
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return false, fmt.Errorf("create training queue dir: %w", err)
	}
	markerPath := filepath.Join(queueDir, character.Slug+".json")
	if _, err := os.Stat(markerPath); err == nil {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(w.loraDir, character.Slug+".safetensors")); err == nil {
		return false, nil
	}

	paths := make([]string, 0, len(images))
	for _, image := range images {
		paths = append(paths, image.OutputPath)
	}
	request, err := json.MarshalIndent(map[string]any{
		"character_slug": character.Slug,
		"design_prompt":  character.DesignPrompt,
		"images":         paths,
		"requested_at":   time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return false, err
	}

	tmpPath := markerPath + ".tmp"
	if err := os.WriteFile(tmpPath, request, 0o644); err != nil {
		return false, fmt.Errorf("write training request: %w", err)
	}
	if err := os.Rename(tmpPath, markerPath); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("publish training request: %w", err)
	}
	return true, nil
}

func randomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()
	}
	seed := int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
	if seed == 0 {
		seed = 1
	}
	return seed
}
