package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"particlestack/internal/pipeline"
	"particlestack/internal/storage"
)

const pollInterval = 500 * time.Millisecond

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		addr    string
		output  string
		options map[string]string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "submit <align|dataset> <input_directory>",
		Short: "Submit a job to a running server",
		Long: `Submit a job over gRPC to a server started with "particlestack serve".

Examples:
  particlestack submit align /data/particles --set threshold=1.5 --wait
  particlestack submit dataset /data/particles -o /data/results --set splitAt=100`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, err := pipeline.ParseJobType(args[0])
			if err != nil {
				return err
			}
			client, closer, err := root.dialFn(addr)
			if err != nil {
				return err
			}
			defer closer.Close()

			job := pipeline.Job{
				ID:        newID(string(jobType)[:2]),
				Type:      jobType,
				InputPath: args[1],
				Output:    output,
				Options:   parseOptions(options),
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if !wait {
				id, err := client.Submit(ctx, job)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, id)
				return nil
			}
			return submitAndWait(ctx, client, job, out)
		},
	}

	cmd.Flags().StringVar(&addr, "server", root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path on the server")
	cmd.Flags().StringToStringVar(&options, "set", nil, "job option as key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "stream progress and wait for the job to finish")

	return cmd
}

// submitAndWait streams progress of job while polling for its final status.
func submitAndWait(ctx context.Context, client jobsAPI, job pipeline.Job, out io.Writer) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan struct{})
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- client.WatchProgress(watchCtx, job.ID, func() { close(ready) }, func(ev pipeline.Progress) error {
			if ev.Done {
				fmt.Fprintf(out, "%s done: accepted %d of %d\n", ev.Pass, ev.Stats.Accepted, ev.Stats.Total)
			}
			return nil
		})
	}()
	select {
	case <-ready:
	case err := <-watchErr:
		return fmt.Errorf("progress stream: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	id, err := client.Submit(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "submitted %s\n", id)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		rec, meta, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		switch rec.Status {
		case "completed":
			fmt.Fprintf(out, "job %s completed", id)
			if o := metaString(meta, "output"); o != "" {
				fmt.Fprintf(out, ": %s", o)
			}
			fmt.Fprintln(out)
			return nil
		case "failed":
			return fmt.Errorf("job %s failed: %s", id, rec.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		addr  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var recs []storage.JobRecord
			if addr != "" {
				client, closer, err := root.dialFn(addr)
				if err != nil {
					return err
				}
				defer closer.Close()
				if recs, err = client.List(cmd.Context(), limit); err != nil {
					return err
				}
			} else {
				var err error
				if recs, err = root.store.RecentJobs(limit); err != nil {
					return err
				}
			}
			printJobs(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&addr, "server", "", "query a gRPC server instead of the local database")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to list")

	showCmd := &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show a job with its alignment passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()
			if addr != "" {
				client, closer, err := root.dialFn(addr)
				if err != nil {
					return err
				}
				defer closer.Close()
				rec, meta, err := client.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				printJob(out, rec, meta)
				return nil
			}

			rec, err := root.store.Job(id)
			if err != nil {
				return fmt.Errorf("job %s: %w", id, err)
			}
			meta, _ := root.store.JobMeta(id)
			printJob(out, rec, meta)
			runs, err := root.store.BatchRuns(id)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Fprintf(out, "  pass %-6s reference %s threshold %.3g: accepted %d, rejected %d, total %d\n",
					run.Pass, run.Reference, run.Threshold, run.Accepted, run.Rejected, run.Total)
			}
			return nil
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func printJobs(w io.Writer, recs []storage.JobRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUT\tCREATED")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.CreatedAt.Format(time.DateTime))
	}
	tw.Flush()
}

func printJob(w io.Writer, rec storage.JobRecord, meta map[string]any) {
	fmt.Fprintf(w, "Job %s (%s): %s\n", rec.ID, rec.JobType, rec.Status)
	fmt.Fprintf(w, "  input:  %s\n", rec.InputPath)
	if rec.OutputPath != "" {
		fmt.Fprintf(w, "  output: %s\n", rec.OutputPath)
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "  error:  %s\n", rec.Error)
	}
	if n := metaInt(meta, "total"); n > 0 {
		fmt.Fprintf(w, "  accepted %d, rejected %d, total %d\n", metaInt(meta, "accepted"), metaInt(meta, "rejected"), n)
	}
}
