package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/app"
	"github.com/nidhogg/fairloop/internal/config"
	"github.com/nidhogg/fairloop/internal/dataset"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath  string
		chunkSize   int64
		concurrency int64
		groupWeight float64
		noIndex     bool
		outputJSON  bool
		verbose     bool
		outDir      string
		force       bool
	)

	def := dataset.DefaultOptions()
	cmd := &cli.Command{
		Name:      "fairloop-ingest",
		Usage:     "Load StereoSet and BBQ data into memory, the knowledge graph and the exemplar index",
		ArgsUsage: "<dataset-dir>",
		Commands: []*cli.Command{
			{
				Name:  "download",
				Usage: "Fetch the BBQ and StereoSet files named in the config's datasets section",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "output-dir",
						Aliases:     []string{"o"},
						Usage:       "Directory to save the datasets in",
						Value:       "datasets",
						Destination: &outDir,
					},
					&cli.BoolFlag{
						Name:        "force",
						Aliases:     []string{"f"},
						Usage:       "Refetch and overwrite existing files",
						Destination: &force,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					logger, err := newLogger(verbose)
					if err != nil {
						return err
					}
					defer logger.Sync()

					cfg, err := loadConfig(configPath, logger)
					if err != nil {
						return err
					}
					d := dataset.NewDownloader(&http.Client{Timeout: 5 * time.Minute},
						cfg.Controller.DependencyRetry.Policy(), logger)
					d.Force = force
					rep, err := d.Download(ctx, outDir, cfg.Datasets)
					if err != nil {
						return err
					}
					fmt.Printf("fetched %d files (%d bytes), kept %d\n", rep.Fetched, rep.Bytes, rep.Kept)
					return nil
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Config file path",
				Value:       "configs/fairloop.json",
				Sources:     cli.EnvVars("CONFIG_PATH"),
				Destination: &configPath,
			},
			&cli.IntFlag{
				Name:        "chunk-size",
				Usage:       "Exemplars written per batch",
				Value:       int64(def.ChunkSize),
				Sources:     cli.EnvVars("FAIRLOOP_INGEST_CHUNK_SIZE"),
				Destination: &chunkSize,
			},
			&cli.IntFlag{
				Name:        "concurrency",
				Usage:       "Parallel memory writes per batch",
				Value:       int64(def.Concurrency),
				Sources:     cli.EnvVars("FAIRLOOP_INGEST_CONCURRENCY"),
				Destination: &concurrency,
			},
			&cli.FloatFlag{
				Name:        "group-weight",
				Usage:       "Weight of stereotyped_as relations",
				Value:       def.GroupWeight,
				Sources:     cli.EnvVars("FAIRLOOP_INGEST_GROUP_WEIGHT"),
				Destination: &groupWeight,
			},
			&cli.BoolFlag{
				Name:        "no-index",
				Usage:       "Skip the exemplar vector index even when Qdrant is configured",
				Destination: &noIndex,
			},
			&cli.BoolFlag{
				Name:        "json",
				Aliases:     []string{"j"},
				Usage:       "Print the report as JSON",
				Destination: &outputJSON,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "Log every batch",
				Destination: &verbose,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			args := c.Args().Slice()
			if len(args) != 1 {
				return fmt.Errorf("expected one dataset directory, got %d arguments", len(args))
			}

			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := loadConfig(configPath, logger)
			if err != nil {
				return err
			}

			stack, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer stack.Close(ctx)

			var index dataset.Indexer
			if stack.Index != nil && !noIndex {
				index = stack.Index
			}
			ingester := dataset.NewIngester(stack.Memory, stack.Graph, index, dataset.Options{
				ChunkSize:   int(chunkSize),
				Concurrency: int(concurrency),
				GroupWeight: groupWeight,
			}, logger)

			rep, err := ingester.Dir(ctx, args[0])
			if err != nil {
				return err
			}
			return printReport(rep, outputJSON)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("config file not found, using defaults", zap.String("path", path))
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if !verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zc.Build()
}

func printReport(rep dataset.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Printf("exemplars:  %d (skipped %d, indexed %d)\n", rep.Exemplars, rep.Skipped, rep.Indexed)
	fmt.Printf("categories: %d\n", rep.Categories)
	fmt.Printf("groups:     %d\n", rep.Groups)
	fmt.Printf("relations:  %d\n", rep.Relations)
	return nil
}
