package comfy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GenerationParams are the sampler settings for one workflow build.
type GenerationParams struct {
	CheckpointModel string
	PositivePrompt  string
	NegativePrompt  string
	CFGScale        float64
	Steps           int
	Sampler         string
	Scheduler       string
	Width           int
	Height          int
	Seed            int64
	LoraName        string
	LoraStrength    float64
}

func (p *GenerationParams) applyDefaults() {
	if p.CFGScale <= 0 {
		p.CFGScale = 7
	}
	if p.Steps <= 0 {
		p.Steps = 28
	}
	if p.Sampler == "" {
		p.Sampler = "euler_ancestral"
	}
	if p.Scheduler == "" {
		p.Scheduler = "normal"
	}
	if p.Width <= 0 {
		p.Width = 832
	}
	if p.Height <= 0 {
		p.Height = 1216
	}
	if p.LoraStrength <= 0 {
		p.LoraStrength = 0.8
	}
}

// BuildImageWorkflow produces a text-to-image node graph. When LoraName is
// set the checkpoint is routed through a LoRA loader first.
func BuildImageWorkflow(params GenerationParams) (json.RawMessage, error) {
	if strings.TrimSpace(params.PositivePrompt) == "" {
		return nil, fmt.Errorf("positive prompt required")
	}
	if strings.TrimSpace(params.CheckpointModel) == "" {
		return nil, fmt.Errorf("checkpoint model required")
	}
	params.applyDefaults()

	modelSource := []any{"checkpoint", 0}
	clipSource := []any{"checkpoint", 1}
	graph := map[string]any{
		"checkpoint": node("CheckpointLoaderSimple", map[string]any{
			"ckpt_name": params.CheckpointModel,
		}),
	}
	if params.LoraName != "" {
		graph["lora"] = node("LoraLoader", map[string]any{
			"lora_name":      params.LoraName,
			"strength_model": params.LoraStrength,
			"strength_clip":  params.LoraStrength,
			"model":          modelSource,
			"clip":           clipSource,
		})
		modelSource = []any{"lora", 0}
		clipSource = []any{"lora", 1}
	}
	graph["positive"] = node("CLIPTextEncode", map[string]any{
		"text": params.PositivePrompt,
		"clip": clipSource,
	})
	graph["negative"] = node("CLIPTextEncode", map[string]any{
		"text": params.NegativePrompt,
		"clip": clipSource,
	})
	graph["latent"] = node("EmptyLatentImage", map[string]any{
		"width":      params.Width,
		"height":     params.Height,
		"batch_size": 1,
	})
	graph["sampler"] = node("KSampler", map[string]any{
		"model":        modelSource,
		"positive":     []any{"positive", 0},
		"negative":     []any{"negative", 0},
		"latent_image": []any{"latent", 0},
		"seed":         params.Seed,
		"steps":        params.Steps,
		"cfg":          params.CFGScale,
		"sampler_name": params.Sampler,
		"scheduler":    params.Scheduler,
		"denoise":      1.0,
	})
	graph["decode"] = node("VAEDecode", map[string]any{
		"samples": []any{"sampler", 0},
		"vae":     []any{"checkpoint", 2},
	})
	graph["save"] = node("SaveImage", map[string]any{
		"images":          []any{"decode", 0},
		"filename_prefix": "sakuga",
	})
	return json.Marshal(graph)
}

// BuildVideoWorkflow produces an image-to-video node graph animating a
// source still.
func BuildVideoWorkflow(sourceImage, motionPrompt string, params GenerationParams) (json.RawMessage, error) {
	if strings.TrimSpace(sourceImage) == "" {
		return nil, fmt.Errorf("source image required")
	}
	params.applyDefaults()

	graph := map[string]any{
		"image": node("LoadImage", map[string]any{
			"image": sourceImage,
		}),
		"motion": node("SVDImg2VidConditioning", map[string]any{
			"init_image":   []any{"image", 0},
			"motion_text":  motionPrompt,
			"width":        params.Width,
			"height":       params.Height,
			"frames":       48,
			"augmentation": 0.1,
		}),
		"sampler": node("KSampler", map[string]any{
			"model":        []any{"motion", 0},
			"positive":     []any{"motion", 1},
			"negative":     []any{"motion", 2},
			"latent_image": []any{"motion", 3},
			"seed":         params.Seed,
			"steps":        params.Steps,
			"cfg":          params.CFGScale,
			"sampler_name": params.Sampler,
			"scheduler":    params.Scheduler,
			"denoise":      1.0,
		}),
		"decode": node("VAEDecode", map[string]any{
			"samples": []any{"sampler", 0},
			"vae":     []any{"motion", 4},
		}),
		"save": node("SaveAnimatedWEBP", map[string]any{
			"images":          []any{"decode", 0},
			"filename_prefix": "sakuga_clip",
			"fps":             12,
		}),
	}
	return json.Marshal(graph)
}

func node(classType string, inputs map[string]any) map[string]any {
	return map[string]any{
		"class_type": classType,
		"inputs":     inputs,
	}
}
