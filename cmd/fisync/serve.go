package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fisync/fisync/internal/config"
	"github.com/fisync/fisync/internal/demo"
	"github.com/fisync/fisync/internal/telemetry"
	"github.com/fisync/fisync/pkg/dataset"
	"github.com/fisync/fisync/pkg/middleware"
	"github.com/fisync/fisync/pkg/module"
	"github.com/fisync/fisync/pkg/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fisync server",
		Long: `Run the fisync server.

Settings come from flags, FISYNC_* environment variables and an optional
YAML, JSON or TOML file given with --config, in that order of precedence.

Examples:
  fisync serve --password secret --demo
  fisync serve --datasets-dir ./data --datasets-watch
  FISYNC_STORE=s3 FISYNC_S3_BUCKET=scans fisync serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	if f := cfg.File(); f != "" {
		logger.Info("config loaded", "file", f)
	}

	catalog, phantoms, err := buildCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sc, err := cfg.ServeConfig(logger)
	if err != nil {
		return err
	}
	srv := server.New(sc, server.WithDatasets(catalog))
	srv.Use(
		middleware.OpenTelemetry(),
		middleware.Prometheus(middleware.WithRegistry(srv.Metrics().Registry())),
	)

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "fisync",
		Version:        version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Registerer:     srv.Metrics().Registry(),
		RuntimeMetrics: cfg.Telemetry.RuntimeMetrics,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	if cfg.Demo {
		viewer, err := demo.NewViewer(catalog, phantoms, logger)
		if err != nil {
			return fmt.Errorf("demo: %w", err)
		}
		if _, err := srv.NewModule(demo.ModuleID, "Slice viewer", module.WithScene(viewer.Scene())); err != nil {
			return err
		}
	}

	if cfg.Datasets.Dir != "" && cfg.Datasets.Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		src := dataset.NewFileSource(cfg.Datasets.Dir, logger)
		go func() {
			err := src.Watch(watchCtx, func(id string) {
				if catalog.Remove(id) {
					logger.Info("dataset evicted", "data_id", id)
				}
			})
			if err != nil {
				logger.Error("dataset watch stopped", "error", err)
			}
		}()
	}

	logger.Info("fisync starting",
		"version", version,
		"listen", cfg.Listen,
		"admin", cfg.AdminListen,
		"datasets", len(catalog.IDs()),
		"demo", cfg.Demo)
	return srv.Run()
}

// buildCatalog loads the phantoms and chains the configured sources. It
// returns the phantom IDs in flag order.
func buildCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dataset.Catalog, []string, error) {
	opts := []dataset.CatalogOption{dataset.WithLogger(logger)}

	var files *dataset.FileSource
	if cfg.Datasets.Dir != "" {
		files = dataset.NewFileSource(cfg.Datasets.Dir, logger)
		opts = append(opts, dataset.WithSource(files))
	}
	switch cfg.Datasets.Store {
	case config.StoreS3:
		src, err := dataset.NewS3Source(ctx, cfg.Datasets.Object)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, dataset.WithSource(src))
	case config.StoreMinio:
		src, err := dataset.NewMinioSource(cfg.Datasets.Object)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, dataset.WithSource(src))
	}
	catalog := dataset.NewCatalog(opts...)

	ids := cfg.Datasets.Phantoms
	if cfg.Demo && len(ids) == 0 {
		ids = []string{"phantom"}
	}
	if len(ids) == 0 {
		return catalog, nil, nil
	}
	dims, err := cfg.Datasets.Dimensions()
	if err != nil {
		return nil, nil, err
	}
	var errs []error
	for _, id := range ids {
		d, err := dataset.Phantom(id, dims, 1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		catalog.Add(d)
		if cfg.Datasets.WritePhantoms && files != nil {
			if err := files.Write(d); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		logger.Debug("phantom generated",
			"data_id", id,
			"dimensions", cfg.Datasets.PhantomDims,
			"size", humanize.IBytes(uint64(d.Bytes())))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return catalog, ids, nil
}
