package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/jobfeed/internal/app"
	"github.com/ternarybob/jobfeed/internal/models"
	"github.com/ternarybob/jobfeed/internal/services/jobs"
)

var submitWait bool

var submitCmd = &cobra.Command{
	Use:   "submit <ticker>",
	Short: "Submit a research job",
	Long:  `Submits a research job for a ticker. With --wait, follows the job's progress feed until it completes or fails.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Follow progress until the job finishes")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A one-shot submit never shares the server's snapshot database
	config.Storage.Badger.Enabled = false

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		return err
	}

	job, err := application.JobService.Submit(ctx, jobs.SubmitRequest{Ticker: args[0]})
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %s (job %s)\n", job.Subject, job.ID)

	if !submitWait {
		return nil
	}

	lastProgress, lastStep := job.Progress, job.CurrentStep
	final, err := application.JobService.Wait(ctx, job.ID, func(j models.Job) {
		if j.Progress == lastProgress && j.CurrentStep == lastStep {
			return
		}
		lastProgress, lastStep = j.Progress, j.CurrentStep
		fmt.Printf("  %3d%%  %s\n", j.Progress, j.CurrentStep)
	})
	if err != nil {
		return err
	}

	switch final.Status {
	case models.JobStatusCompleted:
		out, err := json.MarshalIndent(final.Result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("Completed:\n%s\n", out)
		return nil
	default:
		explanation, explainErr := application.JobService.Explain(context.WithoutCancel(ctx), final.ID)
		if explainErr == nil && explanation != "" {
			fmt.Printf("Explanation: %s\n", explanation)
		}
		if final.Suggestion != "" {
			fmt.Printf("Suggestion: %s\n", final.Suggestion)
		}
		return fmt.Errorf("job %s failed: %s", final.ID, final.Error)
	}
}
