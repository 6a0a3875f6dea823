package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lotkeeper/internal/app"
	"lotkeeper/internal/task/scheduler"
	"lotkeeper/internal/task/registry"
	"lotkeeper/pkg/logx"
)

const stopTimeout = 30 * time.Second

// withApp builds an App for a one-shot command and stops it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		err = errors.Join(err, a.Stop(ctx, app.StopCommand))
	}()
	return fn(cmd.Context(), a)
}

// guardHint explains a queueing failure caused by another runner.
func guardHint(err error, hint string) error {
	if errors.Is(err, scheduler.ErrGuardConflict) {
		return fmt.Errorf("%w; another runner holds the guard, %s", err, hint)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(logx.Stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and config watcher until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := a.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return a.Stop(stopCtx, app.StopSignal)
	},
}

var regenerateSync bool

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Recompute suggestions for every eligible lot",
	Long: `Recompute suggestions for every eligible lot, replacing the stored set.

Without --sync the job is queued on the scheduler and the command waits for
the runner to finish. If another process (usually "serve") holds the runner
guard, nothing is queued and the command fails; use --sync to run it here.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.RequestRegenerate(ctx, regenerateSync)
			if err != nil {
				return guardHint(err, "retry with --sync")
			}
			if regenerateSync {
				fmt.Fprintf(logx.Stdout(), "%d suggestions stored\n", n)
				return nil
			}
			return a.WaitIdle(ctx)
		})
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <lot-id>",
	Short: "Show the decision for one lot without storing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			s, err := a.Suggestions().Preview(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(s)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task now in this process",
	Long:  "Run a task now in this process. Tasks: " + strings.Join(registry.Names(), ", "),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.RunTask(ctx, args[0])
		})
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task>...",
	Short: "Queue tasks on the scheduler and wait for the runner to drain",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			for _, name := range args {
				if err := a.Scheduler().QueueTaskAsap(name); err != nil {
					return guardHint(err, "run it here with: lotkeeper run "+name)
				}
			}
			return a.WaitIdle(ctx)
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete lots whose remaining quantity is zero",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.RunCleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(logx.Stdout(), "%d depleted lots removed\n", n)
			return nil
		})
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List task names and their configured daily times",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App) error {
			sched := a.Config().ScheduledTasks
			for _, name := range registry.Names() {
				at := sched[name]
				if at == "" {
					at = "-"
				}
				fmt.Fprintf(logx.Stdout(), "%-18s %s\n", name, at)
			}
			return nil
		})
	},
}

var suggestionsCmd = &cobra.Command{
	Use:     "suggestions",
	Aliases: []string{"sg"},
	Short:   "List, apply or dismiss stored suggestions",
}

var suggestionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored suggestions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			list, err := a.Suggestions().List(ctx)
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	},
}

var applyBy string

var suggestionsApplyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Apply a price suggestion and record the price change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid suggestion id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			pc, err := a.Suggestions().Apply(ctx, id, applyBy)
			if err != nil {
				return err
			}
			return printJSON(pc)
		})
	},
}

var dismissAll bool

var suggestionsDismissCmd = &cobra.Command{
	Use:   "dismiss [id]",
	Short: "Delete one suggestion, or all with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if dismissAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if dismissAll {
				n, err := a.Suggestions().DismissAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(logx.Stdout(), "%d suggestions dismissed\n", n)
				return nil
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid suggestion id %q", args[0])
			}
			return a.Suggestions().Dismiss(ctx, id)
		})
	},
}

func init() {
	regenerateCmd.Flags().BoolVar(&regenerateSync, "sync", false, "run in this process and print the number stored")
	suggestionsApplyCmd.Flags().StringVar(&applyBy, "by", "cli", "name recorded as the approver")
	suggestionsDismissCmd.Flags().BoolVar(&dismissAll, "all", false, "dismiss every suggestion")
	suggestionsCmd.AddCommand(suggestionsListCmd, suggestionsApplyCmd, suggestionsDismissCmd)
}
