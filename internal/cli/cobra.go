package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"particlestack/internal/config"
	"particlestack/internal/pipeline"
	"particlestack/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "particlestack",
		Short: "Reference-based alignment and averaging of particle images",
		Long: `particlestack aligns noisy particle images to a reference by FFT
cross-correlation, keeps those whose correlation peak clears a threshold
and averages them into a single denoised image.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newDatasetCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// passFlags are shared by align and dataset.
type passFlags struct {
	threshold        float64
	progressInterval int
	snapshotDir      string
	plot             bool
	extensions       []string
}

func (f *passFlags) register(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().Float64Var(&f.threshold, "threshold", cfg.Alignment.Threshold, "minimum correlation peak for an image to be averaged")
	cmd.Flags().IntVar(&f.progressInterval, "progress-interval", cfg.Alignment.ProgressInterval, "report progress every N images (0 disables)")
	cmd.Flags().StringVar(&f.snapshotDir, "snapshots", cfg.Alignment.SnapshotDir, "directory for intermediate average snapshots")
	cmd.Flags().BoolVar(&f.plot, "plot", cfg.Alignment.PlotConvergence, "write convergence plots next to the output")
	cmd.Flags().StringSliceVar(&f.extensions, "ext", cfg.Dataset.Extensions, "image file extensions to load")
}

func (f *passFlags) options() map[string]any {
	opts := map[string]any{
		"threshold":        f.threshold,
		"progressInterval": f.progressInterval,
		"plot":             f.plot,
		"extensions":       f.extensions,
		"source":           "cli",
	}
	if f.snapshotDir != "" {
		opts["snapshotDir"] = f.snapshotDir
	}
	return opts
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		output         string
		reference      string
		referenceIndex int
		pass           passFlags
	)

	cmd := &cobra.Command{
		Use:   "align <input_directory>",
		Short: "Align a directory of images to a reference and average them",
		Long: `Align every image of a directory against a reference image and write the
running average of the accepted images.

Examples:
  # Use the first image as reference
  particlestack align /data/particles --output average.tif

  # Explicit reference and a stricter threshold
  particlestack align /data/particles --reference /data/ref.tif --threshold 2.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if output == "" {
				output = filepath.Join(filepath.Dir(filepath.Clean(input)), filepath.Base(filepath.Clean(input))+"_average.tif")
			}

			opts := pass.options()
			if reference != "" {
				opts["reference"] = reference
			} else {
				opts["referenceIndex"] = referenceIndex
			}

			root.log.Info("align command parsed", "input", input, "output", output, "reference", reference, "threshold", pass.threshold)

			job := pipeline.Job{
				ID:        newID("al"),
				Type:      pipeline.JobAlign,
				InputPath: input,
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Reference: %s\n", metaString(res.Meta, "reference"))
			printPass(out, "align", res.Meta)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory (default <input>_average.tif)")
	cmd.Flags().StringVar(&reference, "reference", "", "reference image file (default: image at --reference-index)")
	cmd.Flags().IntVar(&referenceIndex, "reference-index", 0, "index of the reference image within the sorted input")
	pass.register(cmd, root.cfg)

	return cmd
}

func newDatasetCmd(root *Root) *cobra.Command {
	var (
		referenceIndex int
		splitAt        int
		sequential     bool
		format         string
		pass           passFlags
	)

	cmd := &cobra.Command{
		Use:   "dataset <input_directory> [output_directory]",
		Short: "Average a dataset in two subsets and combine the results",
		Long: `Split the sorted images of a directory in two subsets, align and average
each against a common reference, then align the second average onto the first.
Writes result_set1, result_set2 and final_result into the output directory.

Examples:
  particlestack dataset /data/particles /data/results
  particlestack dataset /data/particles --reference-index 0 --split-at 100 --format png`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			output := root.cfg.Paths.DefaultOutput
			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				output = "."
			}

			opts := pass.options()
			opts["referenceIndex"] = referenceIndex
			opts["splitAt"] = splitAt
			opts["concurrent"] = !sequential
			if format != "" {
				opts["format"] = strings.TrimPrefix(format, ".")
			}

			job := pipeline.Job{
				ID:        newID("ds"),
				Type:      pipeline.JobDataset,
				InputPath: input,
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Reference: %s\n", metaString(res.Meta, "reference"))
			for _, name := range []string{"set1", "set2", "final"} {
				if m, ok := res.Meta[name].(map[string]any); ok {
					printPass(out, name, m)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&referenceIndex, "reference-index", root.cfg.Dataset.ReferenceIndex, "index of the common reference image")
	cmd.Flags().IntVar(&splitAt, "split-at", root.cfg.Dataset.SplitAt, "number of images in the first subset")
	cmd.Flags().BoolVar(&sequential, "sequential", !root.cfg.Dataset.ConcurrentPasses, "run the subset passes one after the other")
	cmd.Flags().StringVar(&format, "format", "tif", "output format (tif|png)")
	pass.register(cmd, root.cfg)

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC job servers",
		Long: `Start an HTTP server with the job API, live progress streams and metrics,
plus a gRPC job service. Watched directories are aligned automatically once
new images stop arriving.

Examples:
  particlestack serve --addr :8080 --grpc-addr :9090
  particlestack serve --watch /data/incoming --watch-output /data/averages`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"addr", opts.Addr,
				"grpc_addr", opts.GRPCAddr,
				"watch_paths", opts.Watch,
			)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", root.cfg.Server.Addr, "HTTP listen address (host:port)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address; empty disables gRPC")
	cmd.Flags().StringSliceVar(&opts.Watch, "watch", nil, "directories to monitor for new images")
	cmd.Flags().StringVar(&opts.WatchOutput, "watch-output", "", "directory for averages of watched directories")
	cmd.Flags().DurationVar(&opts.Settle, "settle", root.cfg.Server.WatchSettle, "quiet period before a watched directory is processed")

	return cmd
}
