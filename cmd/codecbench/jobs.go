package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/store"
)

var jobsFlags struct {
	limit  int
	status string
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and prune the job ledger",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest jobs, or every job with a status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.OpenReadOnly(cfg.GetDatabasePath())
		if err != nil {
			return err
		}
		defer st.Close()

		var list []*jobs.Job
		if jobsFlags.status != "" {
			list, err = st.GetJobsByStatus(jobs.Status(jobsFlags.status))
		} else {
			list, err = st.RecentJobs(jobsFlags.limit)
		}
		if err != nil {
			return err
		}
		stats, err := st.Stats()
		if err != nil {
			return err
		}
		return printJobs(os.Stdout, list, stats)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel pending jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(q *jobs.Queue) error {
			for _, id := range args {
				if err := q.Cancel(id); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var jobsRemoveCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"remove"},
	Short:   "Remove jobs from the ledger",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(q *jobs.Queue) error {
			for _, id := range args {
				if err := q.Remove(id); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>...",
	Short: "Run failed or cancelled jobs again",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		q, closeStore, err := openQueue()
		if err != nil {
			return err
		}
		defer closeStore()

		retried, err := retryJobs(q, args)
		if err != nil {
			return err
		}
		if err := jobs.NewPool(q, &jobs.ExecRunner{}, cfg.Workers).Run(ctx); err != nil {
			return err
		}
		for _, id := range retried {
			if j, err := q.Get(id); err == nil {
				fmt.Printf("%s: %s after %s %s\n", j.Name, j.Status, j.Elapsed().Round(time.Second), j.Error)
			}
		}
		return nil
	},
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every finished job from the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(q *jobs.Queue) error {
			fmt.Printf("%s jobs removed\n", humanize.Comma(int64(q.Clear())))
			return nil
		})
	},
}

func init() {
	jobsListCmd.Flags().IntVarP(&jobsFlags.limit, "limit", "n", 20, "number of jobs to list")
	jobsListCmd.Flags().StringVar(&jobsFlags.status, "status", "", "list every job with this status")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsClearCmd)
}

// retryJobs queues a copy of every given failed or cancelled job and
// returns the new IDs.
func retryJobs(q *jobs.Queue, ids []string) ([]string, error) {
	var retried []string
	for _, id := range ids {
		job, err := q.Get(id)
		if err != nil {
			return nil, err
		}
		if job.Status != jobs.StatusFailed && job.Status != jobs.StatusCancelled {
			return nil, fmt.Errorf("job %s is %s: only failed or cancelled jobs can be retried", job.Name, job.Status)
		}
		retried = append(retried, q.Add(job.Name, job.Kind, job.Steps).ID)
	}
	return retried, nil
}

func withLedger(fn func(q *jobs.Queue) error) error {
	q, closeStore, err := openLedger()
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(q)
}

func printJobs(w io.Writer, list []*jobs.Job, stats jobs.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tELAPSED\tERROR")
	for _, j := range list {
		elapsed := "-"
		if d := j.Elapsed(); d > 0 {
			elapsed = d.Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.Status, elapsed, j.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s jobs: %d pending, %d running, %d complete, %d failed, %d cancelled\n",
		humanize.Comma(int64(stats.Total)), stats.Pending, stats.Running, stats.Complete, stats.Failed, stats.Cancelled)
	return err
}
