package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/timmy/chronos/internal/client"
	"github.com/timmy/chronos/internal/domain"
)

// Job flag names
const (
	flagPriority = "priority"
	flagStatus   = "status"
	flagProgress = "progress"
	flagError    = "error"
	flagLimit    = "limit"
	flagStage    = "stage"
	flagActive   = "active"
	flagOutput   = "output"
	flagActor    = "actor"
	flagReason   = "reason"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive URL [URL...]",
		Short: "Submit URLs for archiving",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, _ := cmd.Flags().GetString(flagPriority)
			p, err := domain.ParsePriority(priority)
			if err != nil {
				return err
			}
			res, err := apiClient.Archive(cmd.Context(), args, p)
			if err != nil {
				return fmt.Errorf("error archiving: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringP(flagPriority, "p", "normal", "Job priority: low, normal or high")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit JOB_ID",
		Short: "Report a pipeline transition for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString(flagStatus)
			errMsg, _ := cmd.Flags().GetString(flagError)
			tr := client.Transition{Status: status, Error: errMsg}
			if cmd.Flags().Changed(flagProgress) {
				progress, _ := cmd.Flags().GetInt(flagProgress)
				tr.Progress = &progress
			}

			job, err := apiClient.Submit(cmd.Context(), args[0], tr)
			if err != nil {
				return fmt.Errorf("transition rejected: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().String(flagStatus, "", "New status, e.g. downloading")
	cmd.Flags().Int(flagProgress, 0, "Progress within the stage (0-100)")
	cmd.Flags().String(flagError, "", "Error detail, required with --status failed")
	_ = cmd.MarkFlagRequired(flagStatus)
	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := client.ListOptions{}
			opts.Limit, _ = cmd.Flags().GetInt(flagLimit)
			opts.Status, _ = cmd.Flags().GetString(flagStatus)
			opts.Stage, _ = cmd.Flags().GetString(flagStage)
			opts.ActiveOnly, _ = cmd.Flags().GetBool(flagActive)

			list, err := apiClient.ListJobs(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("error listing jobs: %w", err)
			}

			if output, _ := cmd.Flags().GetString(flagOutput); output == "json" {
				return printJSON(cmd.OutOrStdout(), list)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tPROGRESS\tURL")
			for _, job := range list.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", job.ID, job.Status, job.Stage, job.Progress, job.URL)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int(flagLimit, 0, "Maximum number of jobs (server default when 0)")
	cmd.Flags().String(flagStatus, "", "Only jobs with this status")
	cmd.Flags().String(flagStage, "", "Only jobs in this stage")
	cmd.Flags().Bool(flagActive, false, "Only jobs still moving through the pipeline")
	cmd.Flags().StringP(flagOutput, "o", "table", "Output format: table or json")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := apiClient.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("error getting job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newPipelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipeline",
		Short: "Show the active jobs per pipeline stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := apiClient.Pipeline(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting pipeline: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tACTIVE\tMEAN PROGRESS")
			for _, st := range summary.Stages {
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", st.Stage, st.ActiveCount, st.MeanProgress)
			}
			fmt.Fprintf(w, "\ntotal=%d active=%d indexed=%d failed=%d skipped=%d\n",
				summary.Total, summary.Active, summary.Indexed, summary.Failed, summary.Skipped)
			return w.Flush()
		},
	}
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Skip every active job and clear the registry (audited)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, _ := cmd.Flags().GetString(flagActor)
			reason, _ := cmd.Flags().GetString(flagReason)
			entry, err := apiClient.Clear(cmd.Context(), actor, reason)
			if err != nil {
				return fmt.Errorf("error clearing jobs: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	}
	cmd.Flags().String(flagActor, "", "Who is clearing the registry")
	cmd.Flags().String(flagReason, "", "Why the registry is cleared")
	_ = cmd.MarkFlagRequired(flagActor)
	return cmd
}
