// Package trainer defines the calling convention of the external training
// algorithm. The orchestration core never looks inside a training run; it
// hands a Config plus a progress callback to a Runner and consumes either a
// Result or an error.
package trainer

import "context"

// Training method identifiers. Opaque to the orchestrator except for
// estimation heuristics; their real meaning belongs to the trainer.
const (
	MethodFullFinetuning = "full_finetuning"
	MethodLoRA           = "lora"
	MethodQLoRA          = "qlora"
	MethodDPO            = "dpo"
	MethodORPO           = "orpo"
)

// AdvancedMethod reports whether the method requires a method-specific
// configuration block.
func AdvancedMethod(method string) bool {
	switch method {
	case MethodLoRA, MethodQLoRA, MethodDPO, MethodORPO:
		return true
	}
	return false
}

// Config is the serializable training configuration handed over the queue.
type Config struct {
	ModelName      string `json:"model_name"`
	DatasetID      string `json:"dataset_id"`
	TrainingMethod string `json:"training_method"`

	NumTrainEpochs          int     `json:"num_train_epochs"`
	PerDeviceTrainBatchSize int     `json:"per_device_train_batch_size"`
	GradientAccumulation    int     `json:"gradient_accumulation_steps"`
	LearningRate            float64 `json:"learning_rate"`
	MaxSeqLength            int     `json:"max_seq_length"`

	LoraConfig map[string]any `json:"lora_config,omitempty"`
	DPOConfig  map[string]any `json:"dpo_config,omitempty"`
	ORPOConfig map[string]any `json:"orpo_config,omitempty"`

	// Extra carries trainer-owned hyperparameters this core does not inspect.
	Extra map[string]any `json:"extra,omitempty"`

	// OutputDir tells the trainer where to place the finished artifact.
	OutputDir string `json:"output_dir,omitempty"`
	// DatasetPath is the resolved on-disk dataset location.
	DatasetPath string `json:"dataset_path,omitempty"`
}

// Defaults mirror the trainer's own fallbacks so estimates stay deterministic
// when the submitter leaves fields unset.
func (c Config) EpochsOrDefault() int {
	if c.NumTrainEpochs <= 0 {
		return 3
	}
	return c.NumTrainEpochs
}

func (c Config) BatchSizeOrDefault() int {
	if c.PerDeviceTrainBatchSize <= 0 {
		return 4
	}
	return c.PerDeviceTrainBatchSize
}

// MethodConfig returns the configuration block matching the training method,
// nil for full fine-tuning or unknown methods.
func (c Config) MethodConfig() map[string]any {
	switch c.TrainingMethod {
	case MethodLoRA, MethodQLoRA:
		return c.LoraConfig
	case MethodDPO:
		return c.DPOConfig
	case MethodORPO:
		return c.ORPOConfig
	}
	return nil
}

// Progress is invoked sequentially by the trainer as the run advances.
// message is free-form ("epoch 2/3 step 40").
type Progress func(current, total int, message string)

// Result statuses reported by trainers.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

type Result struct {
	Status    string             `json:"status"`
	ModelPath string             `json:"model_path,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Runner is the black box that actually trains. Run blocks for the full
// duration of the job; cancelling ctx is a cooperative stop request only.
type Runner interface {
	Run(ctx context.Context, cfg Config, report Progress) (*Result, error)
}
