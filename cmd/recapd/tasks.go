package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/recapd/recapd/pkg/agent"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
	"github.com/recapd/recapd/pkg/workdir"
)

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage the durable task queue",
	}
	cmd.AddCommand(
		newTasksListCommand(),
		newTasksShowCommand(),
		newTasksRetryCommand(),
		newTasksCancelCommand(),
		newTasksEnqueueCommand(),
	)
	return cmd
}

func newTasksListCommand() *cobra.Command {
	var (
		flagUser   string
		flagStatus string
		flagType   string
		flagLimit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.tasks.ListTasks(cmd.Context(), services.TaskFilters{
				UserID:   flagUser,
				Status:   models.TaskStatus(flagStatus),
				TaskType: flagType,
				Limit:    flagLimit,
			})
			if err != nil {
				return err
			}

			w := newTable()
			fprintRow(w, "TASK", "TYPE", "STATUS", "ATTEMPT", "RUN_AFTER", "WORKER", "ERROR")
			for _, t := range tasks {
				fprintRow(w, t.ID, t.TaskType, t.Status,
					fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts),
					t.RunAfter.UTC().Format(time.RFC3339),
					orDash(t.WorkerID),
					truncate(orDash(t.ErrorSummary), 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "filter by user id")
	cmd.Flags().StringVar(&flagStatus, "status", "", "filter by status")
	cmd.Flags().StringVar(&flagType, "type", "", "filter by task type")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "max rows")
	return cmd
}

func newTasksShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task with its events, attempts, and citations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			taskID := args[0]
			task, err := a.tasks.GetTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			events, err := a.tasks.ListTaskEvents(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			attempts, err := a.tasks.ListTaskAttempts(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			citations, err := a.tasks.ListOutputCitations(cmd.Context(), taskID)
			if err != nil {
				return err
			}

			return printJSON(map[string]any{
				"task":      task,
				"events":    events,
				"attempts":  attempts,
				"citations": citations,
			})
		},
	}
}

func newTasksRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Requeue a terminal task with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ok, err := a.tasks.RetryTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %s is not in a retryable state", args[0])
			}
			fmt.Println("requeued")
			return nil
		},
	}
}

func newTasksCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ok, err := a.tasks.CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %s is already terminal", args[0])
			}
			fmt.Println("canceled")
			return nil
		},
	}
}

func newTasksEnqueueCommand() *cobra.Command {
	var (
		flagUser    string
		flagType    string
		flagPrompt  string
		flagAgent   string
		flagProfile string
		flagTimeout int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Materialize a workdir for a prompt and enqueue it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			userID := a.resolveUser(flagUser)
			if err := a.articles.EnsureUser(cmd.Context(), userID, userID); err != nil {
				return err
			}

			frozen, err := a.cfg.Routing.Resolve(flagType, agent.RoutingOverrides{
				Agent:   models.AgentName(flagAgent),
				Profile: models.ModelProfile(flagProfile),
			}, "enqueue")
			if err != nil {
				return err
			}

			created, err := a.newWorkdirManager().Create(uuid.New().String(), &workdir.TaskInput{
				TaskType: flagType,
				Prompt:   flagPrompt,
				Metadata: workdir.TaskMetadata{Routing: frozen},
			}, nil, workdir.CreateOptions{})
			if err != nil {
				return err
			}

			task, err := a.tasks.EnqueueTask(cmd.Context(), services.EnqueueTaskRequest{
				UserID:            userID,
				TaskType:          flagType,
				TimeoutSeconds:    flagTimeout,
				InputManifestPath: created.ManifestPath,
			})
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	cmd.Flags().StringVar(&flagType, "type", models.TaskTypeQAAnswer, "task type")
	cmd.Flags().StringVar(&flagPrompt, "prompt", "", "prompt text (required)")
	cmd.Flags().StringVar(&flagAgent, "agent", "", "override agent (claude, codex, gemini)")
	cmd.Flags().StringVar(&flagProfile, "profile", "", "override model profile (fast, quality)")
	cmd.Flags().IntVar(&flagTimeout, "timeout", 600, "task timeout in seconds")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}
