// Package config loads and validates the training job configuration.
// A job config is a single JSON (or YAML) document with four sections:
// training, dataloader, model, lora. It is decoded strictly (unknown
// fields are rejected), validated once, and never mutated afterwards.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ─── Errors ─────────────────────────────────────────────────────────────────

// ConfigError reports a malformed, missing, or out-of-range field.
// It is fatal: no training state is initialized once one is returned.
type ConfigError struct {
	Field  string // dotted path, e.g. "dataloader.batch_size"
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func badField(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Config is the full, validated job configuration. Immutable after Load.
type Config struct {
	Training   Training   `json:"training" yaml:"training"`
	Dataloader Dataloader `json:"dataloader" yaml:"dataloader"`
	Model      Model      `json:"model" yaml:"model"`
	LoRA       LoRA       `json:"lora" yaml:"lora"`
}

// Training holds the optimizer, loss, and run-control parameters.
type Training struct {
	TotalEpochs      int     `json:"total_epochs" yaml:"total_epochs"`
	MasterSeed       int64   `json:"master_seed" yaml:"master_seed"`
	LR               float64 `json:"lr" yaml:"lr"`
	WeightDecay      float64 `json:"weight_decay" yaml:"weight_decay"`
	NumClusters      int     `json:"num_clusters" yaml:"num_clusters"`
	MSEWeight        float64 `json:"mse_weight" yaml:"mse_weight"`
	L1Weight         float64 `json:"l1_weight" yaml:"l1_weight"`
	CosineWeight     float64 `json:"cosine_weight" yaml:"cosine_weight"`
	SaveFolder       string  `json:"save_folder" yaml:"save_folder"`
	SaveEverySteps   int64   `json:"save_every_steps,omitempty" yaml:"save_every_steps,omitempty"` // 0 = epoch boundaries only
	TimeShiftEnable  bool    `json:"time_shift_enable" yaml:"time_shift_enable"`
	TimeShiftBias    float64 `json:"time_shift_bias,omitempty" yaml:"time_shift_bias,omitempty"`
	EnableOptimalTSC bool    `json:"enable_optimal_tsc" yaml:"enable_optimal_tsc"`

	// Optional integrations. Empty string disables.
	WandbProject string `json:"wandb_project,omitempty" yaml:"wandb_project,omitempty"`
	WandbRunName string `json:"wandb_run_name,omitempty" yaml:"wandb_run_name,omitempty"`
	HFRepoID     string `json:"hf_repo_id,omitempty" yaml:"hf_repo_id,omitempty"`
	HFToken      string `json:"hf_token,omitempty" yaml:"hf_token,omitempty"`
}

// Dataloader holds bucketing, caption augmentation, and worker parameters.
type Dataloader struct {
	BatchSize         int     `json:"batch_size" yaml:"batch_size"`
	JSONLMetadataPath string  `json:"jsonl_metadata_path" yaml:"jsonl_metadata_path"`
	ImageFolderPath   string  `json:"image_folder_path" yaml:"image_folder_path"`
	BaseResolution    []int   `json:"base_resolution" yaml:"base_resolution"`
	ShuffleTags       bool    `json:"shuffle_tags" yaml:"shuffle_tags"`
	TagDropPercentage float64 `json:"tag_drop_percentage" yaml:"tag_drop_percentage"`
	UncondPercentage  float64 `json:"uncond_percentage" yaml:"uncond_percentage"`
	ResolutionStep    int     `json:"resolution_step" yaml:"resolution_step"`
	NumWorkers        int     `json:"num_workers" yaml:"num_workers"`
	PrefetchFactor    int     `json:"prefetch_factor" yaml:"prefetch_factor"`
	ThreadPerWorker   int     `json:"thread_per_worker" yaml:"thread_per_worker"`
	RatioCutoff       float64 `json:"ratio_cutoff" yaml:"ratio_cutoff"`
}

// Model holds paths to the frozen base model components.
type Model struct {
	ChromaPath      string `json:"chroma_path" yaml:"chroma_path"`
	VAEPath         string `json:"vae_path" yaml:"vae_path"`
	T5Path          string `json:"t5_path" yaml:"t5_path"`
	T5ConfigPath    string `json:"t5_config_path" yaml:"t5_config_path"`
	T5TokenizerPath string `json:"t5_tokenizer_path" yaml:"t5_tokenizer_path"`
	T5To8Bit        bool   `json:"t5_to_8bit" yaml:"t5_to_8bit"`
	T5MaxLength     int    `json:"t5_max_length" yaml:"t5_max_length"`
}

// LoRA holds adapter hyperparameters.
type LoRA struct {
	Rank                int      `json:"rank" yaml:"rank"`
	Alpha               int      `json:"alpha" yaml:"alpha"`
	TargetLayers        []string `json:"target_layers" yaml:"target_layers"`
	BaseModelQuantLevel string   `json:"base_model_quant_level" yaml:"base_model_quant_level"`
}

// Recognized target_layers entries.
const (
	LayerDoubleBlocks = "double_blocks"
	LayerSingleBlocks = "single_blocks"
)

// Recognized base_model_quant_level values. "full" means the frozen
// weights keep their original precision; lower levels trade memory for
// precision on frozen weights only. LoRA weights are never quantized.
var quantLevels = map[string]bool{
	"full": true,
	"fp8":  true,
	"int8": true,
	"nf4":  true,
}

// ─── Loading ────────────────────────────────────────────────────────────────

// Load reads, decodes, and validates a job config from path.
// YAML is accepted when the file extension is .yaml or .yml;
// everything else is parsed as JSON.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, &ConfigError{Field: "(document)", Reason: err.Error()}
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, &ConfigError{Field: "(document)", Reason: err.Error()}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save serializes the config as indented JSON. Round-trips every field.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Validate checks every field against its documented range.
// Returns the first violation as a *ConfigError.
func (c *Config) Validate() error {
	t := &c.Training
	if t.TotalEpochs <= 0 {
		return badField("training.total_epochs", "must be > 0, got %d", t.TotalEpochs)
	}
	if t.LR <= 0 {
		return badField("training.lr", "must be > 0, got %g", t.LR)
	}
	if t.WeightDecay < 0 {
		return badField("training.weight_decay", "must be >= 0, got %g", t.WeightDecay)
	}
	if t.NumClusters < 1 {
		return badField("training.num_clusters", "must be >= 1, got %d", t.NumClusters)
	}
	for _, w := range []struct {
		name string
		v    float64
	}{
		{"training.mse_weight", t.MSEWeight},
		{"training.l1_weight", t.L1Weight},
		{"training.cosine_weight", t.CosineWeight},
	} {
		if w.v < 0 {
			return badField(w.name, "must be >= 0, got %g", w.v)
		}
	}
	if t.SaveFolder == "" {
		return badField("training.save_folder", "is required")
	}
	if t.SaveEverySteps < 0 {
		return badField("training.save_every_steps", "must be >= 0, got %d", t.SaveEverySteps)
	}
	if t.TimeShiftEnable && !t.EnableOptimalTSC && t.TimeShiftBias <= 0 {
		return badField("training.time_shift_bias", "must be > 0 when time_shift_enable is set, got %g", t.TimeShiftBias)
	}
	if t.HFRepoID != "" && t.HFToken == "" {
		return badField("training.hf_token", "is required when hf_repo_id is set")
	}

	d := &c.Dataloader
	if d.BatchSize <= 0 {
		return badField("dataloader.batch_size", "must be > 0, got %d", d.BatchSize)
	}
	if err := mustExist("dataloader.jsonl_metadata_path", d.JSONLMetadataPath); err != nil {
		return err
	}
	if err := mustExist("dataloader.image_folder_path", d.ImageFolderPath); err != nil {
		return err
	}
	if len(d.BaseResolution) == 0 {
		return badField("dataloader.base_resolution", "must not be empty")
	}
	for i, r := range d.BaseResolution {
		if r <= 0 {
			return badField("dataloader.base_resolution", "entry %d must be > 0, got %d", i, r)
		}
	}
	if d.TagDropPercentage < 0 || d.TagDropPercentage > 1 {
		return badField("dataloader.tag_drop_percentage", "must be in [0,1], got %g", d.TagDropPercentage)
	}
	if d.UncondPercentage < 0 || d.UncondPercentage > 1 {
		return badField("dataloader.uncond_percentage", "must be in [0,1], got %g", d.UncondPercentage)
	}
	for _, n := range []struct {
		name string
		v    int
	}{
		{"dataloader.resolution_step", d.ResolutionStep},
		{"dataloader.num_workers", d.NumWorkers},
		{"dataloader.prefetch_factor", d.PrefetchFactor},
		{"dataloader.thread_per_worker", d.ThreadPerWorker},
	} {
		if n.v <= 0 {
			return badField(n.name, "must be > 0, got %d", n.v)
		}
	}
	if d.RatioCutoff <= 1.0 {
		return badField("dataloader.ratio_cutoff", "must be > 1.0, got %g", d.RatioCutoff)
	}

	m := &c.Model
	for _, p := range []struct {
		name string
		v    string
	}{
		{"model.chroma_path", m.ChromaPath},
		{"model.vae_path", m.VAEPath},
		{"model.t5_path", m.T5Path},
		{"model.t5_config_path", m.T5ConfigPath},
		{"model.t5_tokenizer_path", m.T5TokenizerPath},
	} {
		if err := mustExist(p.name, p.v); err != nil {
			return err
		}
	}
	if m.T5MaxLength <= 0 {
		return badField("model.t5_max_length", "must be > 0, got %d", m.T5MaxLength)
	}

	l := &c.LoRA
	if l.Rank <= 0 {
		return badField("lora.rank", "must be > 0, got %d", l.Rank)
	}
	if l.Alpha <= 0 {
		return badField("lora.alpha", "must be > 0, got %d", l.Alpha)
	}
	if len(l.TargetLayers) == 0 {
		return badField("lora.target_layers", "must not be empty")
	}
	for _, layer := range l.TargetLayers {
		if layer != LayerDoubleBlocks && layer != LayerSingleBlocks {
			return badField("lora.target_layers", "unrecognized layer %q (want %s or %s)",
				layer, LayerDoubleBlocks, LayerSingleBlocks)
		}
	}
	if !quantLevels[l.BaseModelQuantLevel] {
		return badField("lora.base_model_quant_level", "unrecognized value %q", l.BaseModelQuantLevel)
	}

	return nil
}

func mustExist(field, path string) error {
	if path == "" {
		return badField(field, "is required")
	}
	if _, err := os.Stat(path); err != nil {
		return badField(field, "%v", err)
	}
	return nil
}

// TrackingEnabled reports whether metrics streaming is configured.
func (c *Config) TrackingEnabled() bool { return c.Training.WandbProject != "" }

// PublishEnabled reports whether checkpoint hub uploads are configured.
func (c *Config) PublishEnabled() bool { return c.Training.HFRepoID != "" }
