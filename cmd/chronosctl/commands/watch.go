package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmy/chronos/internal/client"
	"github.com/timmy/chronos/internal/domain"
)

// Watch and simulate flag names
const (
	flagReconnect    = "reconnect"
	flagCount        = "count"
	flagDelay        = "delay"
	flagProgressStep = "progress-step"
	flagFailureRate  = "failure-rate"
	flagWorkers      = "workers"
)

func printEvent(w io.Writer, ev domain.Event) {
	ts := ev.At.Local().Format("15:04:05")
	switch ev.Type {
	case domain.EventSnapshot:
		fmt.Fprintf(w, "%s snapshot: %d jobs\n", ts, len(ev.Jobs))
	case domain.EventJobUpdate, domain.EventJobEvicted:
		if ev.Job == nil {
			return
		}
		job := ev.Job
		line := fmt.Sprintf("%s %-11s %s %s/%s %d%%", ts, ev.Type, job.ID, job.Stage, job.Status, job.Progress)
		if job.Error != "" {
			line += " error=" + job.Error
		}
		fmt.Fprintln(w, line)
	case domain.EventJobsCleared:
		if ev.Audit != nil {
			fmt.Fprintf(w, "%s jobs_cleared by %s: skipped=%d evicted=%d\n",
				ts, ev.Audit.Actor, ev.Audit.SkippedJobs, ev.Audit.EvictedJobs)
		}
	}
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job updates over WebSocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reconnect, _ := cmd.Flags().GetBool(flagReconnect)
			out := cmd.OutOrStdout()
			for {
				err := apiClient.Watch(cmd.Context(), func(ev domain.Event) error {
					printEvent(out, ev)
					return nil
				})
				if errors.Is(err, client.ErrResyncRequired) && reconnect {
					fmt.Fprintln(cmd.ErrOrStderr(), "fell behind, resynchronizing")
					continue
				}
				return err
			}
		},
	}
	cmd.Flags().Bool(flagReconnect, true, "Resubscribe when the server asks for a resync")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate [URL...]",
		Short: "Create jobs and drive them through the whole pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt(flagCount)
			delay, _ := cmd.Flags().GetDuration(flagDelay)
			step, _ := cmd.Flags().GetInt(flagProgressStep)
			failureRate, _ := cmd.Flags().GetFloat64(flagFailureRate)
			workers, _ := cmd.Flags().GetInt(flagWorkers)
			if failureRate < 0 || failureRate > 1 {
				return fmt.Errorf("failure rate must be between 0 and 1")
			}

			urls := args
			if len(urls) == 0 {
				for i := 1; i <= count; i++ {
					urls = append(urls, fmt.Sprintf("https://example.com/page/%d", i))
				}
			}

			res, err := apiClient.Archive(cmd.Context(), urls, domain.PriorityNormal)
			if err != nil {
				return fmt.Errorf("error archiving: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d jobs\n", len(res.JobIDs))

			sim := &client.Simulator{
				Client:       apiClient,
				Delay:        delay,
				ProgressStep: step,
				FailureRate:  failureRate,
				Workers:      workers,
			}
			start := time.Now()
			out, err := sim.Run(cmd.Context(), res.JobIDs)
			if err != nil {
				return fmt.Errorf("simulation failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed=%d failed=%d in %s\n",
				out.Indexed, out.Failed, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntP(flagCount, "n", 5, "Number of generated URLs when none are given")
	cmd.Flags().Duration(flagDelay, 200*time.Millisecond, "Pause between reports of one job")
	cmd.Flags().Int(flagProgressStep, 25, "Progress increment inside long-running phases")
	cmd.Flags().Float64(flagFailureRate, 0, "Probability that a job fails (0-1)")
	cmd.Flags().Int(flagWorkers, 4, "Jobs driven concurrently")
	return cmd
}
