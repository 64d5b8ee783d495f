package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantumaikr/exlm-app/internal/trainer"
)

// Validator checks a training configuration against the dataset store and
// produces duration/resource estimates. It is pure apart from reading the
// dataset directory: no GPU access, no writes, deterministic for a given
// input and filesystem state.
type Validator struct {
	dataDir string
}

func NewValidator(dataDir string) *Validator {
	return &Validator{dataDir: dataDir}
}

// DatasetPath resolves a dataset id to its on-disk directory.
func (v *Validator) DatasetPath(datasetID string) string {
	return filepath.Join(v.dataDir, "datasets", datasetID)
}

type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	Duration  *DurationEstimate `json:"estimated_duration,omitempty"`
	Resources *ResourceEstimate `json:"estimated_resources,omitempty"`
}

// Validate accumulates all rule violations rather than failing fast; the
// submitter sees every problem at once. Estimates are attached only to valid
// configurations.
func (v *Validator) Validate(cfg trainer.Config) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}

	path := v.DatasetPath(cfg.DatasetID)
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		res.Errors = append(res.Errors, fmt.Sprintf("Dataset not found: %s", cfg.DatasetID))
	} else if !hasDataFiles(path) {
		res.Errors = append(res.Errors, "No data files found in dataset directory")
	}

	if cfg.ModelName == "" {
		res.Errors = append(res.Errors, "Model name is required")
	}

	if trainer.AdvancedMethod(cfg.TrainingMethod) && len(cfg.MethodConfig()) == 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("Configuration required for %s training", cfg.TrainingMethod))
	}

	if len(res.Errors) > 0 {
		return res
	}

	res.Valid = true
	d := EstimateDuration(cfg)
	r := EstimateResources(cfg)
	res.Duration = &d
	res.Resources = &r
	return res
}

// hasDataFiles reports whether the dataset directory holds at least one
// recognized data file or a generated-data subdirectory.
func hasDataFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if e.IsDir() {
			if strings.HasPrefix(name, "generated") {
				return true
			}
			continue
		}
		switch filepath.Ext(name) {
		case ".json", ".jsonl":
			return true
		}
	}
	return false
}

// Estimation heuristics. The numbers warn the submitter and inform
// scheduling; they promise nothing about real resource usage.
const (
	baseMinutesPerEpoch = 30.0

	baseGPUMemoryGB = 8
	baseRAMGB       = 16

	gpuTierThresholdGB = 24
)

var trainingTypeFactors = map[string]float64{
	trainer.MethodFullFinetuning: 1.0,
	trainer.MethodLoRA:           0.3,
	trainer.MethodQLoRA:          0.2,
	trainer.MethodDPO:            0.8,
	trainer.MethodORPO:           0.7,
}

func modelSizeFactor(modelName string) float64 {
	name := strings.ToLower(modelName)
	switch {
	case strings.Contains(name, "large") || strings.Contains(name, "7b"):
		return 3.0
	case strings.Contains(name, "medium"):
		return 1.5
	default:
		return 1.0
	}
}

func trainingTypeFactor(method string) float64 {
	if f, ok := trainingTypeFactors[method]; ok {
		return f
	}
	// Unknown methods are costed like a full fine-tune.
	return 1.0
}

type DurationEstimate struct {
	EstimatedMinutes float64         `json:"estimated_minutes"`
	EstimatedHours   float64         `json:"estimated_hours"`
	Factors          DurationFactors `json:"factors"`
}

type DurationFactors struct {
	ModelSizeFactor    float64 `json:"model_size_factor"`
	TrainingTypeFactor float64 `json:"training_type_factor"`
	Epochs             int     `json:"epochs"`
}

func EstimateDuration(cfg trainer.Config) DurationEstimate {
	msf := modelSizeFactor(cfg.ModelName)
	ttf := trainingTypeFactor(cfg.TrainingMethod)
	epochs := cfg.EpochsOrDefault()

	minutes := baseMinutesPerEpoch * msf * ttf * float64(epochs)
	return DurationEstimate{
		EstimatedMinutes: minutes,
		EstimatedHours:   math.Round(minutes/60*100) / 100,
		Factors: DurationFactors{
			ModelSizeFactor:    msf,
			TrainingTypeFactor: ttf,
			Epochs:             epochs,
		},
	}
}

type ResourceEstimate struct {
	MinGPUMemoryGB       int    `json:"min_gpu_memory_gb"`
	MinRAMGB             int    `json:"min_ram_gb"`
	RecommendedGPU       string `json:"recommended_gpu"`
	SupportsCPUTraining  bool   `json:"supports_cpu_training"`
	EstimatedDiskSpaceGB int    `json:"estimated_disk_space_gb"`
}

func EstimateResources(cfg trainer.Config) ResourceEstimate {
	msf := modelSizeFactor(cfg.ModelName)

	gpuMem := float64(baseGPUMemoryGB)
	ram := baseRAMGB
	switch {
	case msf >= 3.0:
		// 7b-class models: quadruple GPU memory, double RAM.
		gpuMem = baseGPUMemoryGB * 4
		ram = baseRAMGB * 2
	case msf > 1.0:
		gpuMem = baseGPUMemoryGB * 2
		ram = baseRAMGB + 8
	}

	// Parameter-efficient methods cut memory pressure.
	switch cfg.TrainingMethod {
	case trainer.MethodQLoRA:
		gpuMem = gpuMem / 2
	case trainer.MethodLoRA:
		gpuMem = gpuMem * 0.75
	}

	// Batch scaling relative to the default batch size of 4.
	batchFactor := float64(cfg.BatchSizeOrDefault()) / 4.0
	gpuMem = gpuMem * batchFactor
	if gpuMem < baseGPUMemoryGB {
		gpuMem = baseGPUMemoryGB
	}

	adjusted := int(math.Round(gpuMem))
	gpu := "RTX 3090"
	if adjusted > gpuTierThresholdGB {
		gpu = "A100"
	}

	cpuOK := (cfg.TrainingMethod == trainer.MethodLoRA || cfg.TrainingMethod == trainer.MethodQLoRA) && msf < 3.0

	return ResourceEstimate{
		MinGPUMemoryGB:       adjusted,
		MinRAMGB:             ram,
		RecommendedGPU:       gpu,
		SupportsCPUTraining:  cpuOK,
		EstimatedDiskSpaceGB: 5 + adjusted/4,
	}
}
