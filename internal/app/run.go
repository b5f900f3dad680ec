package app

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilnml/kiln/internal/cache"
	"github.com/kilnml/kiln/internal/ctxlog"
	"github.com/kilnml/kiln/internal/hcl"
	"github.com/kilnml/kiln/internal/storage"
	"github.com/kilnml/kiln/internal/trainer"
)

// Run executes the application in the mode the configuration selects:
// describe an archive, report a fingerprint plan, or train and package a
// model.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.DescribePath != "" {
		return a.describe(ctx)
	}
	return a.train(ctx)
}

// describe prints the metadata of an existing model archive.
func (a *App) describe(ctx context.Context) error {
	tmp, err := os.MkdirTemp("", "kiln-describe-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	_, meta, err := storage.FromModelArchive(a.config.DescribePath, tmp)
	if err != nil {
		return fmt.Errorf("describing %s: %w", a.config.DescribePath, err)
	}

	raw, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = a.outW.Write(raw)
	return err
}

// train loads the schema, runs the trainer and packages the result.
func (a *App) train(ctx context.Context) error {
	sc, err := hcl.Load(ctx, a.config.SchemaPath)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	a.logger.Info("Schema loaded.", "path", a.config.SchemaPath, "nodes", sc.Len())

	store, err := a.openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	models, fineTune, err := a.openStorage()
	if err != nil {
		return err
	}

	tr := trainer.New(store, a.reg, models)

	if a.config.DryRun {
		plan, err := tr.DryRun(ctx, sc, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.outW, "fingerprint plan: %d hit(s), %d miss(es)\n", len(plan.Hits), len(plan.Misses))
		for _, name := range plan.Hits {
			fmt.Fprintf(a.outW, "  hit   %s\n", name)
		}
		for _, name := range plan.Misses {
			fmt.Fprintf(a.outW, "  miss  %s\n", name)
		}
		return nil
	}

	result, err := tr.Train(ctx, sc, nil, trainer.Options{
		ForceRetrain: a.config.ForceRetrain,
		FineTune:     fineTune,
		Workers:      a.config.Workers,
	})
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	a.logger.Info("Training complete.", "run_id", result.RunID, "cache_hits", len(result.CacheHits))

	if err := tr.Package(a.config.OutputPath, storage.ModelMetadata{TrainSchema: sc}); err != nil {
		return fmt.Errorf("packaging model: %w", err)
	}
	a.logger.Info("Model archive written.", "path", a.config.OutputPath)
	fmt.Fprintf(a.outW, "model archive written to %s\n", a.config.OutputPath)
	return nil
}

// openCache opens the durable cache, or an in-memory one when no cache
// directory is configured.
func (a *App) openCache() (cache.Store, error) {
	if a.config.CacheDir == "" {
		a.logger.Warn("No cache directory configured; the training cache will not survive this run.")
		return cache.NewInMemory(), nil
	}
	store, err := cache.OpenBadger(cache.BadgerConfig{
		Path:   a.config.CacheDir,
		Logger: a.logger.With("subsystem", "badger"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return store, nil
}

// openStorage opens the model storage, seeding it from a fine-tune archive
// when one is configured. The second return reports whether this is a
// fine-tuning run.
func (a *App) openStorage() (*storage.ModelStorage, bool, error) {
	if a.config.FineTuneFrom != "" {
		models, meta, err := storage.FromModelArchive(a.config.FineTuneFrom, a.config.StorageDir)
		if err != nil {
			return nil, false, fmt.Errorf("loading fine-tune archive: %w", err)
		}
		a.logger.Info("Seeded storage from model archive.",
			"archive", a.config.FineTuneFrom, "format_version", meta.FormatVersion)
		return models, true, nil
	}
	models, err := storage.NewLocal(a.config.StorageDir)
	if err != nil {
		return nil, false, err
	}
	return models, false, nil
}
