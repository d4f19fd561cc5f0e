package workflow

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
)

// Node is one entry in the API-format workflow graph submitted to ComfyUI.
// Input values are either literals or [sourceNodeID, outputIndex] links.
type Node struct {
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      map[string]string      `json:"_meta,omitempty"`
}

// Graph is a complete workflow keyed by node id.
type Graph map[string]Node

// Request is everything needed to build one text-to-image graph.
type Request struct {
	Prompt         string              `json:"prompt"`
	NegativePrompt string              `json:"negativePrompt"`
	Settings       generation.Settings `json:"settings"`
}

// Builder assembles ComfyUI graphs from generation requests.
type Builder struct {
	wildcards *Wildcards
}

// NewBuilder creates a Builder. wildcards may be nil to disable prompt
// expansion.
func NewBuilder(wildcards *Wildcards) *Builder {
	return &Builder{wildcards: wildcards}
}

// loraExtension strips model file extensions when embedding a LoRA
// reference into the prompt text.
var loraExtension = regexp.MustCompile(`(?i)\.(safetensors|ckpt|pt)$`)

// Node id layout: 1-7 is the base txt2img pipeline, 10-13 the optional
// refiner pass, 20-23 the optional hires-fix pass.
const (
	nodeCheckpoint     = "1"
	nodePositive       = "2"
	nodeNegative       = "3"
	nodeLatent         = "4"
	nodeSampler        = "5"
	nodeDecode         = "6"
	nodeSave           = "7"
	nodeRefinerCkpt    = "10"
	nodeRefinerPos     = "11"
	nodeRefinerNeg     = "12"
	nodeRefinerSampler = "13"
	nodeHiresUpscale   = "20"
	nodeHiresModel     = "21"
	nodeHiresSampler   = "22"
	nodeHiresDecode    = "23"
)

func link(node string, output int) []interface{} {
	return []interface{}{node, output}
}

// TextToImage builds the workflow graph for one generation request. The
// request must already have passed Validate.
func (b *Builder) TextToImage(req Request) (Graph, error) {
	s := req.Settings

	prompt := req.Prompt
	negative := req.NegativePrompt
	if b.wildcards != nil {
		prompt = b.wildcards.Expand(prompt)
		negative = b.wildcards.Expand(negative)
	}

	// LoRAs ride along as prompt syntax; ComfyUI's prompt parser (or an
	// extension node) picks them up, so no LoraLoader nodes are emitted.
	var sb strings.Builder
	sb.WriteString(prompt)
	for _, slot := range s.ActiveLoras() {
		if slot.Strength == 0 {
			continue
		}
		name := loraExtension.ReplaceAllString(slot.Lora, "")
		fmt.Fprintf(&sb, " <lora:%s:%g>", name, slot.Strength)
	}
	finalPrompt := sb.String()

	seed, err := s.ResolveSeed()
	if err != nil {
		return nil, err
	}
	hiresSeed := seed
	if s.HiresFix.Enabled && s.HiresFix.RandomSeed {
		if hiresSeed, err = generation.RandomSeed(); err != nil {
			return nil, err
		}
	}

	g := Graph{
		nodeCheckpoint: {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]interface{}{"ckpt_name": s.Checkpoint},
			Meta:      map[string]string{"title": "Load Checkpoint"},
		},
		nodePositive: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": finalPrompt,
				"clip": link(nodeCheckpoint, 1),
			},
			Meta: map[string]string{"title": "CLIP Text Encode (Positive)"},
		},
		nodeNegative: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": negative,
				"clip": link(nodeCheckpoint, 1),
			},
			Meta: map[string]string{"title": "CLIP Text Encode (Negative)"},
		},
		nodeLatent: {
			ClassType: "EmptyLatentImage",
			Inputs: map[string]interface{}{
				"width":      s.Width,
				"height":     s.Height,
				"batch_size": s.BatchSize,
			},
			Meta: map[string]string{"title": "Empty Latent Image"},
		},
		nodeSampler: {
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"seed":         seed,
				"steps":        s.Steps,
				"cfg":          s.CFG,
				"sampler_name": s.Sampler,
				"scheduler":    s.Scheduler,
				"denoise":      1.0,
				"model":        link(nodeCheckpoint, 0),
				"positive":     link(nodePositive, 0),
				"negative":     link(nodeNegative, 0),
				"latent_image": link(nodeLatent, 0),
			},
			Meta: map[string]string{"title": "KSampler"},
		},
		nodeDecode: {
			ClassType: "VAEDecode",
			Inputs: map[string]interface{}{
				"samples": link(nodeSampler, 0),
				"vae":     link(nodeCheckpoint, 2),
			},
			Meta: map[string]string{"title": "VAE Decode"},
		},
		nodeSave: {
			ClassType: "SaveImage",
			Inputs: map[string]interface{}{
				"filename_prefix": "KikoCreator",
				"images":          link(nodeDecode, 0),
			},
			Meta: map[string]string{"title": "Save Image"},
		},
	}

	latentOut := nodeSampler

	if s.Refiner.Enabled && s.Refiner.Model != "" {
		denoise := 0.2
		if s.Refiner.AddNoise {
			denoise = 0.5
		}
		g[nodeRefinerCkpt] = Node{
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]interface{}{"ckpt_name": s.Refiner.Model},
			Meta:      map[string]string{"title": "Load Refiner Checkpoint"},
		}
		g[nodeRefinerPos] = Node{
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": finalPrompt,
				"clip": link(nodeRefinerCkpt, 1),
			},
			Meta: map[string]string{"title": "Refiner CLIP Text Encode (Positive)"},
		}
		g[nodeRefinerNeg] = Node{
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": negative,
				"clip": link(nodeRefinerCkpt, 1),
			},
			Meta: map[string]string{"title": "Refiner CLIP Text Encode (Negative)"},
		}
		g[nodeRefinerSampler] = Node{
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"seed":         seed,
				"steps":        int(math.Ceil(float64(s.Steps) * s.Refiner.Ratio)),
				"cfg":          s.CFG,
				"sampler_name": s.Sampler,
				"scheduler":    s.Scheduler,
				"denoise":      denoise,
				"model":        link(nodeRefinerCkpt, 0),
				"positive":     link(nodeRefinerPos, 0),
				"negative":     link(nodeRefinerNeg, 0),
				"latent_image": link(nodeSampler, 0),
			},
			Meta: map[string]string{"title": "Refiner KSampler"},
		}
		g[nodeDecode].Inputs["samples"] = link(nodeRefinerSampler, 0)
		latentOut = nodeRefinerSampler
	}

	if s.HiresFix.Enabled {
		g[nodeHiresUpscale] = Node{
			ClassType: "LatentUpscale",
			Inputs: map[string]interface{}{
				"upscale_method": "nearest-exact",
				"width":          int(float64(s.Width) * s.HiresFix.Scale),
				"height":         int(float64(s.Height) * s.HiresFix.Scale),
				"crop":           "disabled",
				"samples":        link(latentOut, 0),
			},
			Meta: map[string]string{"title": "Upscale Latent"},
		}
		g[nodeHiresModel] = Node{
			ClassType: "UpscaleModelLoader",
			Inputs:    map[string]interface{}{"model_name": s.HiresFix.Model},
			Meta:      map[string]string{"title": "Load Upscale Model"},
		}
		g[nodeHiresSampler] = Node{
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"seed":         hiresSeed,
				"steps":        s.HiresFix.Steps,
				"cfg":          s.CFG,
				"sampler_name": s.Sampler,
				"scheduler":    s.Scheduler,
				"denoise":      s.HiresFix.Denoise,
				"model":        link(nodeCheckpoint, 0),
				"positive":     link(nodePositive, 0),
				"negative":     link(nodeNegative, 0),
				"latent_image": link(nodeHiresUpscale, 0),
			},
			Meta: map[string]string{"title": "Hires Fix KSampler"},
		}
		g[nodeHiresDecode] = Node{
			ClassType: "VAEDecode",
			Inputs: map[string]interface{}{
				"samples": link(nodeHiresSampler, 0),
				"vae":     link(nodeCheckpoint, 2),
			},
			Meta: map[string]string{"title": "Hires Fix VAE Decode"},
		}
		g[nodeSave].Inputs["images"] = link(nodeHiresDecode, 0)
	}

	return g, nil
}

// Validate checks a request against the ranges the UI enforces. It returns
// every violation so the client can surface them all at once.
func Validate(req Request) []string {
	s := req.Settings
	var errs []string

	if s.Checkpoint == "" {
		errs = append(errs, "Checkpoint model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		errs = append(errs, "Prompt is required")
	}
	if s.Steps < 1 || s.Steps > 150 {
		errs = append(errs, "Steps must be between 1 and 150")
	}
	if s.CFG < 1 || s.CFG > 30 {
		errs = append(errs, "CFG scale must be between 1 and 30")
	}
	if s.Width < 64 || s.Width > 2048 {
		errs = append(errs, "Width must be between 64 and 2048")
	}
	if s.Height < 64 || s.Height > 2048 {
		errs = append(errs, "Height must be between 64 and 2048")
	}
	if s.BatchSize < 1 || s.BatchSize > 8 {
		errs = append(errs, "Batch size must be between 1 and 8")
	}

	return errs
}
