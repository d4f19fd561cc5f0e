package generation

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Samplers is the fixed set of sampler names the renderer understands.
var Samplers = []string{
	"euler",
	"euler_ancestral",
	"heun",
	"dpm_2",
	"dpm_2_ancestral",
	"lms",
	"dpm_fast",
	"dpm_adaptive",
	"dpmpp_2s_ancestral",
	"dpmpp_sde",
	"dpmpp_2m",
	"ddim",
	"uni_pc",
}

// Schedulers is the fixed set of noise schedule names.
var Schedulers = []string{"normal", "karras", "exponential", "simple"}

// Resolution is a labelled width/height preset offered to the UI.
type Resolution struct {
	Label    string `json:"label"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Category string `json:"category"`
}

// Resolutions lists the SDXL/SD/HD presets.
var Resolutions = []Resolution{
	{"1024×1024 - 1:1 (SDXL)", 1024, 1024, "SDXL Square"},
	{"1152×896 - 9:7 (SDXL)", 1152, 896, "SDXL Landscape"},
	{"1216×832 - 19:13 (SDXL)", 1216, 832, "SDXL Landscape"},
	{"1344×768 - 7:4 (SDXL Wide)", 1344, 768, "SDXL Landscape"},
	{"1536×640 - 12:5 (SDXL Ultra-Wide)", 1536, 640, "SDXL Landscape"},
	{"1728×576 - 3:1 (SDXL Panoramic)", 1728, 576, "SDXL Landscape"},
	{"896×1152 - 7:9 (SDXL)", 896, 1152, "SDXL Portrait"},
	{"832×1216 - 13:19 (SDXL)", 832, 1216, "SDXL Portrait"},
	{"768×1344 - 4:7 (SDXL Tall)", 768, 1344, "SDXL Portrait"},
	{"640×1536 - 5:12 (SDXL Ultra-Tall)", 640, 1536, "SDXL Portrait"},
	{"1280×720 - 16:9 (HD)", 1280, 720, "HD Widescreen"},
	{"1600×900 - 16:9 (HD+)", 1600, 900, "HD Widescreen"},
	{"1920×1088 - 16:9 (Full HD)", 1920, 1088, "HD Widescreen"},
	{"512×512 - 1:1 (SD)", 512, 512, "SD"},
	{"768×768 - 1:1 (SD)", 768, 768, "SD"},
	{"512×768 - 2:3 (SD Portrait)", 512, 768, "SD"},
	{"768×512 - 3:2 (SD Landscape)", 768, 512, "SD"},
}

// LoRASlot is one supplementary model applied at a strength. Slot order is
// insertion order and only matters for display.
type LoRASlot struct {
	Lora     string  `json:"lora"`
	Strength float64 `json:"strength"`
}

// HiresFixSettings is the optional upscale-and-refine second pass.
type HiresFixSettings struct {
	Enabled    bool    `json:"enabled"`
	Model      string  `json:"model"`
	Scale      float64 `json:"scale"`
	Denoise    float64 `json:"denoise"`
	Steps      int     `json:"steps"`
	RandomSeed bool    `json:"randomSeed"`
}

// RefinerSettings is the optional secondary checkpoint pass.
type RefinerSettings struct {
	Enabled  bool    `json:"enabled"`
	Model    string  `json:"model"`
	Ratio    float64 `json:"ratio"`
	AddNoise bool    `json:"addNoise"`
}

// Settings is the mutable parameter bundle serialized into a job request
// and snapshotted into presets. JSON field names match the browser client.
type Settings struct {
	Checkpoint string           `json:"checkpoint"`
	Steps      int              `json:"steps"`
	CFG        float64          `json:"cfg"`
	Sampler    string           `json:"sampler"`
	Scheduler  string           `json:"scheduler"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Seed       int64            `json:"seed"`
	RandomSeed bool             `json:"randomSeed"`
	BatchSize  int              `json:"batchSize"`
	Loras      []LoRASlot       `json:"loras"`
	HiresFix   HiresFixSettings `json:"hiresFix"`
	Refiner    RefinerSettings  `json:"refiner"`
}

// DefaultSettings returns the parameter bundle a fresh session starts with.
func DefaultSettings() Settings {
	return Settings{
		Checkpoint: "",
		Steps:      20,
		CFG:        7,
		Sampler:    "euler_ancestral",
		Scheduler:  "normal",
		Width:      512,
		Height:     512,
		Seed:       -1,
		RandomSeed: true,
		BatchSize:  1,
		HiresFix: HiresFixSettings{
			Model:   "4x-UltraSharp",
			Scale:   2.0,
			Denoise: 0.5,
			Steps:   20,
		},
		Refiner: RefinerSettings{
			Ratio: 0.8,
		},
	}
}

// Clone returns a structural copy. Stored presets hold clones so later
// edits to the live settings cannot alias into them.
func (s Settings) Clone() Settings {
	out := s
	if s.Loras != nil {
		out.Loras = make([]LoRASlot, len(s.Loras))
		copy(out.Loras, s.Loras)
	}
	return out
}

// SwapDimensions exchanges width and height.
func (s *Settings) SwapDimensions() {
	s.Width, s.Height = s.Height, s.Width
}

// ActiveLoras returns the slots with a model selected, preserving order.
func (s Settings) ActiveLoras() []LoRASlot {
	var active []LoRASlot
	for _, slot := range s.Loras {
		if slot.Lora != "" {
			active = append(active, slot)
		}
	}
	return active
}

// maxSeed bounds random seeds to [0, 2^32-1), the range the renderer's
// seed widgets accept everywhere.
var maxSeed = big.NewInt((1 << 32) - 1)

// RandomSeed draws a uniformly distributed seed.
func RandomSeed() (int64, error) {
	n, err := rand.Int(rand.Reader, maxSeed)
	if err != nil {
		return 0, fmt.Errorf("failed to generate random seed: %w", err)
	}
	return n.Int64(), nil
}

// ResolveSeed returns the seed a submission should use: the stored seed, or
// a fresh random one when the random flag is set or no seed was chosen.
func (s Settings) ResolveSeed() (int64, error) {
	if s.RandomSeed || s.Seed < 0 {
		return RandomSeed()
	}
	return s.Seed, nil
}
