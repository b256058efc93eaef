package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teranos/otto/engine"
	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/internal/util"
	"github.com/teranos/otto/schedule"
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	jobMessage   string
	jobCadence   int
	jobAt        string
	jobType      string
	jobProfileID string
	jobLane      string
	runsLimit    int
)

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule a new job",
	Long: `Schedule a new job.

A job with --every N recurs every N minutes; a job with --at TIME runs once.
Exactly one of the two must be given.

Examples:
  otto jobs add --message "summarize my inbox" --every 60
  otto jobs add --message "pay rent reminder" --at 2026-09-01T09:00:00Z
  otto jobs add --type watchdog --every 60`,
	RunE: runJobsAdd,
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	if (jobCadence > 0) == (jobAt != "") {
		return errors.New("exactly one of --every or --at must be provided")
	}
	if jobMessage == "" && jobType != engine.JobTypeWatchdog {
		return errors.New("--message is required for assistant jobs")
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	now := time.Now().UTC()
	job := &schedule.Job{
		ID:        fmt.Sprintf("job_%s", uuid.New().String()),
		Type:      jobType,
		Status:    schedule.JobStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if jobCadence > 0 {
		job.ScheduleType = schedule.ScheduleRecurring
		job.CadenceMinutes = util.Ptr(jobCadence)
		job.NextRunAt = util.Ptr(now.Add(time.Duration(jobCadence) * time.Minute))
	} else {
		runAt, err := time.Parse(time.RFC3339, jobAt)
		if err != nil {
			return errors.Wrapf(err, "invalid --at time %q, expected RFC3339", jobAt)
		}
		job.ScheduleType = schedule.ScheduleOneShot
		job.RunAt = &runAt
		job.NextRunAt = &runAt
	}

	payload, err := json.Marshal(engine.TaskPayload{
		Message:   jobMessage,
		ProfileID: jobProfileID,
		Lane:      jobLane,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}
	job.Payload = payload

	store := schedule.NewStore(database)
	if err := store.CreateJob(context.Background(), job); err != nil {
		return err
	}

	fmt.Printf("Created %s job %s, next run %s\n", job.ScheduleType, job.ID, job.NextRunAt.Format(time.RFC3339))
	return nil
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		store := schedule.NewStore(database)
		jobs, err := store.ListJobs(context.Background(), 100)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs scheduled")
			return nil
		}

		fmt.Printf("%-42s %-16s %-10s %-8s %-20s %s\n", "ID", "TYPE", "SCHEDULE", "STATUS", "NEXT RUN", "TERMINAL")
		for _, job := range jobs {
			nextRun := "-"
			if job.NextRunAt != nil {
				nextRun = job.NextRunAt.Format(time.RFC3339)
			}
			terminal := "-"
			if job.IsTerminal() {
				terminal = string(job.TerminalState)
			}
			fmt.Printf("%-42s %-16s %-10s %-8s %-20s %s\n",
				job.ID, job.Type, job.ScheduleType, job.Status, nextRun, terminal)
		}
		return nil
	},
}

var jobsRunsCmd = &cobra.Command{
	Use:   "runs JOB_ID",
	Short: "Show a job's run history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		runs, err := schedule.NewRunStore(database).ListRunsForJob(context.Background(), args[0], runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}

		for _, run := range runs {
			finished := "still open"
			if run.FinishedAt != nil {
				finished = run.FinishedAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  started %s  finished %s  %s", run.ID, run.StartedAt.Format(time.RFC3339), finished, run.Status)
			if run.ErrorCode != "" {
				fmt.Printf("  [%s] %s", run.ErrorCode, run.ErrorMessage)
			}
			fmt.Println()
		}
		return nil
	},
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause JOB_ID",
	Short: "Pause a job so the scheduler skips it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobStore(func(store *schedule.Store) error {
			return store.PauseJob(context.Background(), args[0], time.Now().UTC())
		})
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume JOB_ID",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobStore(func(store *schedule.Store) error {
			return store.ResumeJob(context.Background(), args[0], time.Now().UTC())
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a pending one-shot job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobStore(func(store *schedule.Store) error {
			return store.CancelOneShot(context.Background(), args[0], "cancelled by user", time.Now().UTC())
		})
	},
}

// withJobStore opens the database, runs fn against the job store, and prints
// a confirmation on success
func withJobStore(fn func(*schedule.Store) error) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := fn(schedule.NewStore(database)); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func init() {
	jobsAddCmd.Flags().StringVar(&jobMessage, "message", "", "Task message for the assistant")
	jobsAddCmd.Flags().IntVar(&jobCadence, "every", 0, "Recurring cadence in minutes")
	jobsAddCmd.Flags().StringVar(&jobAt, "at", "", "One-shot run time (RFC3339)")
	jobsAddCmd.Flags().StringVar(&jobType, "type", "assistant-task", "Job type")
	jobsAddCmd.Flags().StringVar(&jobProfileID, "profile", "", "Task profile id")
	jobsAddCmd.Flags().StringVar(&jobLane, "lane", "", "Task lane")
	jobsRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Max runs to show")

	JobsCmd.AddCommand(jobsAddCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsRunsCmd)
	JobsCmd.AddCommand(jobsPauseCmd)
	JobsCmd.AddCommand(jobsResumeCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}
