package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kiranshivaraju/compressd/internal/compress"
	"github.com/kiranshivaraju/compressd/internal/jobs"
	"github.com/kiranshivaraju/compressd/internal/jobstatus"
	"github.com/spf13/cobra"
)

const pollInterval = 500 * time.Millisecond

func init() {
	jobsCmd.AddCommand(submitJobCmd)
	jobsCmd.AddCommand(jobStatusCmd)
	jobsCmd.AddCommand(listJobsCmd)
	jobsCmd.AddCommand(downloadJobCmd)
	jobsCmd.AddCommand(cancelJobCmd)

	submitJobCmd.Flags().StringP("format", "f", string(compress.FormatZip), "archive format (zip, tar_gz)")
	submitJobCmd.Flags().IntP("level", "l", 6, "compression level 0-9")
	submitJobCmd.Flags().BoolP("wait", "w", false, "poll until the job reaches a terminal status")

	listJobsCmd.Flags().IntP("limit", "n", 0, "maximum number of jobs to list (server default when 0)")

	downloadJobCmd.Flags().StringP("output", "o", "", "destination path (defaults to the server-provided filename)")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect compression jobs",
}

// GetJobsCmd returns the jobs command
func GetJobsCmd() *cobra.Command {
	return jobsCmd
}

var submitJobCmd = &cobra.Command{
	Use:   "submit FILE...",
	Short: "Compress local files on the server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		level, _ := cmd.Flags().GetInt("level")
		wait, _ := cmd.Flags().GetBool("wait")

		req := jobs.SubmitRequest{Format: format, Level: &level}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("error reading %s: %w", path, err)
			}
			req.Files = append(req.Files, compress.FileItem{
				Name:    filepath.Base(path),
				Content: compress.EncodePayload(data),
				Size:    int64(len(data)),
			})
		}

		c := newAPIClient()
		p, err := c.Submit(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("error submitting job: %w", err)
		}
		if wait {
			if p, err = pollUntilTerminal(cmd.Context(), c.Status, p.JobID); err != nil {
				return err
			}
		}
		return printJSON(cmd, p)
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newAPIClient().Status(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error fetching job status: %w", err)
		}
		return printJSON(cmd, p)
	},
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		items, err := newAPIClient().List(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("error fetching jobs: %w", err)
		}
		return printJSON(cmd, items)
	},
}

var downloadJobCmd = &cobra.Command{
	Use:   "download JOB_ID",
	Short: "Download the archive of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		art, err := newAPIClient().Download(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error downloading job: %w", err)
		}
		if output == "" {
			output = filepath.Base(art.Filename)
		}
		if err := os.WriteFile(output, art.Data, 0o644); err != nil {
			return fmt.Errorf("error writing %s: %w", output, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(art.Data), output)
		return nil
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().Cancel(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("error cancelling job: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
		return nil
	},
}

type statusFunc func(ctx context.Context, jobID string) (jobstatus.Payload, error)

func pollUntilTerminal(ctx context.Context, status statusFunc, jobID string) (jobstatus.Payload, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		p, err := status(ctx, jobID)
		if err != nil {
			return jobstatus.Payload{}, fmt.Errorf("error polling job %s: %w", jobID, err)
		}
		if p.Terminal() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	prettyJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(prettyJSON))
	return nil
}
