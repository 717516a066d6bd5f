package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chroma-forge/chromatrain/internal/api"
	"github.com/chroma-forge/chromatrain/internal/checkpoint"
	"github.com/chroma-forge/chromatrain/internal/config"
	"github.com/chroma-forge/chromatrain/internal/data"
	"github.com/chroma-forge/chromatrain/internal/store"
	"github.com/chroma-forge/chromatrain/internal/timeshift"
	"github.com/chroma-forge/chromatrain/internal/tracker"
	"github.com/chroma-forge/chromatrain/internal/trainer"
)

func init() {
	trainCmd.Flags().BoolVar(&trainListen, "listen", false, "Serve run status and metrics over HTTP")
	trainCmd.Flags().BoolVar(&trainDryRun, "dry-run", false, "Use the in-memory mock backend instead of chroma-worker")
	trainCmd.Flags().BoolVar(&trainNoProgress, "no-progress", false, "Disable the terminal progress bar")
	rootCmd.AddCommand(trainCmd)
}

var (
	trainListen     bool
	trainDryRun     bool
	trainNoProgress bool
)

var trainCmd = &cobra.Command{
	Use:   "train <config>",
	Short: "Run a LoRA fine-tuning job",
	Long: `Loads the job config, buckets the dataset, and drives the full
training run: Init, Running, Checkpointing, Finalizing. SIGINT or
SIGTERM finishes the in-flight step, writes a final checkpoint, and
exits cleanly.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrain,
}

func runTrain(cmd *cobra.Command, args []string) error {
	configPath := args[0]

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Dataset: manifest → buckets → loader.
	entries, err := data.ReadManifest(cfg.Dataloader.JSONLMetadataPath, cfg.Dataloader.ImageFolderPath)
	if err != nil {
		return err
	}
	set := data.BuildBuckets(entries, cfg.Dataloader.BaseResolution,
		cfg.Dataloader.ResolutionStep, cfg.Dataloader.RatioCutoff)
	log.Printf("[train] %d images in %d buckets (%d rejected)", set.Total, len(set.Buckets), set.Rejected)

	loader := data.NewLoader(entries, set, data.Options{
		BatchSize:       cfg.Dataloader.BatchSize,
		NumWorkers:      cfg.Dataloader.NumWorkers,
		ThreadPerWorker: cfg.Dataloader.ThreadPerWorker,
		PrefetchFactor:  cfg.Dataloader.PrefetchFactor,
		MasterSeed:      cfg.Training.MasterSeed,
		Shuffle:         true,
		MaxTokens:       cfg.Model.T5MaxLength,
		Caption: data.CaptionOptions{
			ShuffleTags: cfg.Dataloader.ShuffleTags,
			TagDrop:     cfg.Dataloader.TagDropPercentage,
			Uncond:      cfg.Dataloader.UncondPercentage,
		},
	})

	// Optional capabilities, selected once at startup.
	var publisher checkpoint.Publisher
	if cfg.PublishEnabled() {
		hub := checkpoint.NewHubPublisher(cfg.Training.HFRepoID, cfg.Training.HFToken)
		hub.Retries = settings.Checkpoint.PublishRetries
		publisher = hub
	}
	ckpts, err := checkpoint.NewManager(cfg.Training.SaveFolder, settings.Checkpoint.Keep, publisher)
	if err != nil {
		return err
	}

	var track tracker.Tracker = tracker.Noop{}
	if cfg.TrackingEnabled() {
		name := cfg.Training.WandbRunName
		if name == "" {
			name = fmt.Sprintf("run-%d", os.Getpid())
		}
		track, err = tracker.NewRunLog(config.Home(), cfg.Training.WandbProject, name)
		if err != nil {
			return err
		}
	}

	var ledger *store.DB
	if settings.Ledger.Enabled {
		ledger, err = store.Open(settings.Ledger.Dir)
		if err != nil {
			return err
		}
		defer ledger.Close()
	}

	var backend trainer.Backend
	if trainDryRun {
		backend = &trainer.MockBackend{}
	} else {
		backend, err = trainer.NewSubprocessBackend(config.Home())
		if err != nil {
			return err
		}
	}

	shift := timeshift.New(timeshift.Options{
		Enable:      cfg.Training.TimeShiftEnable,
		Optimal:     cfg.Training.EnableOptimalTSC,
		FixedBias:   cfg.Training.TimeShiftBias,
		NumClusters: cfg.Training.NumClusters,
	})

	tr := trainer.New(trainer.Options{
		Config:     cfg,
		Backend:    backend,
		Loader:     loader,
		Shift:      shift,
		Checkpoint: ckpts,
		Tracker:    track,
		Ledger:     ledger,
		ConfigPath: configPath,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if trainListen {
		srv := api.NewServer(tr, ledger, rootCmd.Version)
		addr := fmt.Sprintf("%s:%d", settings.API.Host, settings.API.Port)
		go func() {
			if err := srv.ListenAndServe(addr); err != nil {
				log.Printf("[train] status server: %v", err)
			}
		}()
	}

	if !trainNoProgress {
		stopProgress := startProgress(ctx, tr, int64(loader.StepsPerEpoch()))
		defer stopProgress()
	}

	log.Printf("[train] run %s starting: %d epochs over %d images", tr.RunID(), cfg.Training.TotalEpochs, set.Total)
	return tr.Run(ctx)
}
