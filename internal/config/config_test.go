package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// validConfig builds a config whose path-valued fields point at real
// files under dir.
func validConfig(t *testing.T, dir string) *Config {
	t.Helper()

	touch := func(name string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	imgDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	return &Config{
		Training: Training{
			TotalEpochs:  3,
			MasterSeed:   42,
			LR:           1e-4,
			WeightDecay:  0.01,
			NumClusters:  4,
			MSEWeight:    1.0,
			L1Weight:     0.5,
			CosineWeight: 0.25,
			SaveFolder:   filepath.Join(dir, "out"),
		},
		Dataloader: Dataloader{
			BatchSize:         2,
			JSONLMetadataPath: touch("meta.jsonl"),
			ImageFolderPath:   imgDir,
			BaseResolution:    []int{512, 768, 1024},
			TagDropPercentage: 0.1,
			UncondPercentage:  0.05,
			ResolutionStep:    8,
			NumWorkers:        2,
			PrefetchFactor:    2,
			ThreadPerWorker:   2,
			RatioCutoff:       2.0,
		},
		Model: Model{
			ChromaPath:      touch("chroma.st"),
			VAEPath:         touch("vae.st"),
			T5Path:          touch("t5.st"),
			T5ConfigPath:    touch("t5.json"),
			T5TokenizerPath: touch("tok.json"),
			T5MaxLength:     512,
		},
		LoRA: LoRA{
			Rank:                16,
			Alpha:               16,
			TargetLayers:        []string{LayerDoubleBlocks, LayerSingleBlocks},
			BaseModelQuantLevel: "full",
		},
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := validConfig(t, dir)

	path := filepath.Join(dir, "job.json")
	if err := Save(want, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round-trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	want := validConfig(t, dir)

	// Serialize via JSON tags then feed the same document as YAML;
	// JSON is a subset of YAML.
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("yaml round-trip mismatch")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := validConfig(t, dir)
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	doc["extra_section"] = json.RawMessage(`{"bogus": true}`)
	raw, _ := json.Marshal(doc)

	path := filepath.Join(dir, "job.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a config with an unknown field")
	}
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero epochs", func(c *Config) { c.Training.TotalEpochs = 0 }, "training.total_epochs"},
		{"negative lr", func(c *Config) { c.Training.LR = -1 }, "training.lr"},
		{"negative weight decay", func(c *Config) { c.Training.WeightDecay = -0.1 }, "training.weight_decay"},
		{"zero clusters", func(c *Config) { c.Training.NumClusters = 0 }, "training.num_clusters"},
		{"negative mse weight", func(c *Config) { c.Training.MSEWeight = -1 }, "training.mse_weight"},
		{"negative l1 weight", func(c *Config) { c.Training.L1Weight = -1 }, "training.l1_weight"},
		{"negative cosine weight", func(c *Config) { c.Training.CosineWeight = -1 }, "training.cosine_weight"},
		{"missing save folder", func(c *Config) { c.Training.SaveFolder = "" }, "training.save_folder"},
		{"repo without token", func(c *Config) { c.Training.HFRepoID = "org/repo"; c.Training.HFToken = "" }, "training.hf_token"},
		{"zero batch size", func(c *Config) { c.Dataloader.BatchSize = 0 }, "dataloader.batch_size"},
		{"missing manifest", func(c *Config) { c.Dataloader.JSONLMetadataPath = "/nonexistent/meta.jsonl" }, "dataloader.jsonl_metadata_path"},
		{"empty resolutions", func(c *Config) { c.Dataloader.BaseResolution = nil }, "dataloader.base_resolution"},
		{"tag drop out of range", func(c *Config) { c.Dataloader.TagDropPercentage = 1.5 }, "dataloader.tag_drop_percentage"},
		{"uncond out of range", func(c *Config) { c.Dataloader.UncondPercentage = -0.1 }, "dataloader.uncond_percentage"},
		{"zero workers", func(c *Config) { c.Dataloader.NumWorkers = 0 }, "dataloader.num_workers"},
		{"ratio cutoff too small", func(c *Config) { c.Dataloader.RatioCutoff = 1.0 }, "dataloader.ratio_cutoff"},
		{"missing chroma", func(c *Config) { c.Model.ChromaPath = "/nonexistent/chroma.st" }, "model.chroma_path"},
		{"zero max length", func(c *Config) { c.Model.T5MaxLength = 0 }, "model.t5_max_length"},
		{"zero rank", func(c *Config) { c.LoRA.Rank = 0 }, "lora.rank"},
		{"zero alpha", func(c *Config) { c.LoRA.Alpha = 0 }, "lora.alpha"},
		{"no target layers", func(c *Config) { c.LoRA.TargetLayers = nil }, "lora.target_layers"},
		{"bad target layer", func(c *Config) { c.LoRA.TargetLayers = []string{"attention"} }, "lora.target_layers"},
		{"bad quant level", func(c *Config) { c.LoRA.BaseModelQuantLevel = "int2" }, "lora.base_model_quant_level"},
		{"fixed shift without bias", func(c *Config) {
			c.Training.TimeShiftEnable = true
			c.Training.TimeShiftBias = 0
		}, "training.time_shift_bias"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t, t.TempDir())
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error type = %T, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestValidate_AllWeightsZeroIsLegal(t *testing.T) {
	cfg := validConfig(t, t.TempDir())
	cfg.Training.MSEWeight = 0
	cfg.Training.L1Weight = 0
	cfg.Training.CosineWeight = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v (zero loss weights are legal, the loss is just zero)", err)
	}
}
