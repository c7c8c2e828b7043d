package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"astromeas/internal/config"
	"astromeas/internal/measure"
	"astromeas/internal/pipeline"
	"astromeas/internal/psf"
	"astromeas/internal/storage"
	"astromeas/internal/watch"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, catalog *measure.Catalog) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, catalog))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "astromeas",
		Short: "astromeas measures sources on astronomical images",
		Long: `astromeas refines the centroid of every footprint on an image, measures
its adaptive second moments and derived ellipticity, and stores the results.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newMeasureCmd(root))
	rootCmd.AddCommand(newPSFCmd(root))
	rootCmd.AddCommand(newAlgorithmsCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newSourcesCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newMeasureCmd(root *Root) *cobra.Command {
	var (
		algorithm  string
		background float64
		noShape    bool
		psfType    string
		psfSize    int
		psfParams  []float64
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "measure <image|directory> [footprints.json]",
		Short: "Measure every footprint of an image",
		Long: `Refine centroids and measure shapes for the footprints of an image.

The footprint file defaults to <image>.footprints.json next to the image.
Given a directory, every image with a footprint file is measured.

Examples:
  astromeas measure m31.png
  astromeas measure m31.fits m31.footprints.json --algorithm NAIVE
  astromeas measure /data/night1 --psf-type SGPSF --psf-params 2.5`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := measureArgs(args)
			if err != nil {
				return err
			}
			opts := psfOptions(psfType, psfSize, psfParams)
			if cmd.Flags().Changed("background") {
				opts["background"] = background
			}
			if noShape {
				opts["shape"] = false
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var failed int
			for _, image := range sortedKeys(pairs) {
				res, err := root.enqueueAndWait(ctx, pipeline.Job{
					Type:       pipeline.JobMeasure,
					InputPath:  image,
					Footprints: pairs[image],
					Algorithm:  algorithm,
					Options:    opts,
				})
				if err != nil {
					if ctx.Err() != nil {
						return err
					}
					failed++
					fmt.Fprintf(root.out, "%s %s: %v\n", red("FAILED"), image, err)
					continue
				}
				if asJSON {
					enc := json.NewEncoder(root.out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(res); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(root.out, "%s %s (%v sources, %v edge, %v peak-centred, %s)\n", green("measured"), image,
					res.Meta["sources"], res.Meta["edge"], res.Meta["peakCenter"], res.Meta["algorithm"])
				root.printSources(res.Sources)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(pairs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "centroid algorithm (default from config)")
	cmd.Flags().Float64Var(&background, "background", 0, "background level subtracted before refining")
	cmd.Flags().BoolVar(&noShape, "no-shape", false, "skip adaptive moments")
	cmd.Flags().StringVar(&psfType, "psf-type", "", "PSF model (default from config)")
	cmd.Flags().IntVar(&psfSize, "psf-size", 0, "PSF kernel width in pixels")
	cmd.Flags().Float64SliceVar(&psfParams, "psf-params", nil, "PSF parameters p0,p1,p2")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	return cmd
}

func newPSFCmd(root *Root) *cobra.Command {
	var kernel bool

	cmd := &cobra.Command{
		Use:   "psf <type> <size> [p0 [p1 [p2]]]",
		Short: "Render a PSF model and print its summary",
		Long: fmt.Sprintf(`Render a PSF model through the PSF factory.

Types: %s (sigma1, sigma2, b) and %s (sigma).`, psf.TypeDoubleGaussian, psf.TypeSingleGaussian),
		Args: cobra.RangeArgs(2, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("size: %w", err)
			}
			params := make([]float64, 0, 3)
			for _, a := range args[2:] {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("parameter %q: %w", a, err)
				}
				params = append(params, v)
			}
			// unspecified parameters are zero, not the configured ones
			for len(params) < 3 {
				params = append(params, 0)
			}
			opts := psfOptions(args[0], size, params)
			opts["kernel"] = kernel

			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{Type: pipeline.JobPSF, Options: opts})
			if err != nil {
				return err
			}
			root.printPSF(res.Meta, kernel)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&kernel, "kernel", "k", false, "print the kernel values")
	return cmd
}

func newAlgorithmsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "algorithms",
		Short: "List registered centroid algorithms and PSF models",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			root.printAlgorithms()
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			root.printJobs(jobs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs")
	return cmd
}

func newSourcesCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "sources <job-id>",
		Short: "Show the stored sources of a measure job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sums, err := root.store.SourcesForJob(args[0])
			if err != nil {
				return err
			}
			if len(sums) == 0 {
				return fmt.Errorf("no sources stored for job %s", args[0])
			}
			root.printSources(sums)
			return nil
		},
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "watch [directory...]",
		Short: "Measure images as they appear in directories",
		Long: `Watch directories (default: paths.watch_dirs) and queue a measure job whenever an
image and its footprint file are both present.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = root.cfg.Paths.WatchDirs
			}
			w, err := watch.New(dirs, root.pipeline, watch.Options{Algorithm: algorithm}, root.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			results, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-w.Events:
					fmt.Fprintf(root.out, "%s %s -> %s\n", yellow("queued"), ev.Image, ev.JobID)
				case res, ok := <-results:
					if !ok {
						return nil
					}
					if res.Error != nil {
						fmt.Fprintf(root.out, "%s %s: %v\n", red("FAILED"), res.Job.InputPath, res.Error)
						continue
					}
					fmt.Fprintf(root.out, "%s %s (%v sources)\n", green("measured"), res.Job.InputPath, res.Meta["sources"])
				}
			}
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "centroid algorithm (default from config)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, gRPC service and dashboard",
		Long: `Start the HTTP API (jobs, sources, SSE stream, /metrics), the gRPC measurement
service and the WebSocket dashboard. An empty address disables a listener.

Examples:
  astromeas serve
  astromeas serve --addr :8080 --grpc "" --watch /data/incoming`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return root.serveFn(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP API address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC address")
	cmd.Flags().StringVar(&opts.WebAddr, "web", root.cfg.Server.WebAddr, "dashboard address")
	cmd.Flags().StringSliceVar(&opts.WatchDirs, "watch", root.cfg.Paths.WatchDirs, "directories to watch for new images")

	return cmd
}
